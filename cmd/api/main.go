package main

import (
	"fmt"
	"os"

	"github.com/tapcoin/wallet/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "wallet: %v\n", err)
		os.Exit(1)
	}
}
