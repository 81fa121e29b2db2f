package service

import (
	"context"
	"fmt"

	"github.com/tapcoin/wallet/internal/domain"
	"github.com/tapcoin/wallet/internal/models"
	"github.com/tapcoin/wallet/internal/observability"
	"go.uber.org/zap"
)

// ReconciliationService verifies the supply invariants: balances sum to the minted
// total and no balance is negative.
type ReconciliationService struct {
	store AccountStore
}

func NewReconciliationService(store AccountStore) *ReconciliationService {
	return &ReconciliationService{store: store}
}

// Run reports whether the ledger is balanced. An imbalance is logged and counted,
// not returned as an error.
func (s *ReconciliationService) Run(ctx context.Context) (models.SupplySnapshot, bool, error) {
	snap, err := s.store.SupplySnapshot(ctx)
	if err != nil {
		return models.SupplySnapshot{}, false, fmt.Errorf("load supply snapshot: %w", err)
	}

	balanced := true
	if snap.TotalBalance != snap.Minted {
		balanced = false
		observability.IncrementLedgerImbalance("supply")
		zap.L().Error("CRITICAL: ledger imbalance detected",
			zap.String("total_balance", domain.FormatCoins(snap.TotalBalance)),
			zap.String("minted", domain.FormatCoins(snap.Minted)),
			zap.Int64("drift_micros", snap.TotalBalance-snap.Minted))
	}
	if snap.NegativeAccounts > 0 {
		balanced = false
		observability.IncrementLedgerImbalance("negative_balance")
		zap.L().Error("CRITICAL: negative balances detected", zap.Int64("accounts", snap.NegativeAccounts))
	}

	if balanced {
		zap.L().Info("Ledger Balanced", zap.String("minted", domain.FormatCoins(snap.Minted)))
	}
	return snap, balanced, nil
}
