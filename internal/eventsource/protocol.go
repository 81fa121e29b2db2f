package eventsource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Command methods. Connect is method 0 and is sent without a method field.
const (
	methodConnect   = 0
	methodSubscribe = 1
)

// Push types; anything but a publication is ignored.
const pushPublication = 0

type command struct {
	ID     uint32 `json:"id"`
	Method int    `json:"method,omitempty"`
	Params any    `json:"params"`
}

type connectParams struct {
	Token string `json:"token"`
	Name  string `json:"name,omitempty"`
}

type subscribeParams struct {
	Channel string `json:"channel"`
	Token   string `json:"token"`
}

// frame is any inbound message: a reply when ID is set, otherwise a push.
type frame struct {
	ID     uint32          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RemoteError    `json:"error"`
}

type connectResult struct {
	Client  string `json:"client"`
	Version string `json:"version"`
}

type push struct {
	Type    int             `json:"type"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type publication struct {
	Seq    int64           `json:"seq"`
	Offset int64           `json:"offset"`
	Data   json.RawMessage `json:"data"`
}

// Donation is one alert carried by a publication.
type Donation struct {
	ID       string
	Target   string
	Amount   decimal.Decimal
	Currency string
	Message  string
}

type donationPayload struct {
	ID       json.RawMessage `json:"id"`
	UserID   string          `json:"user_id"`
	Username string          `json:"username"`
	Amount   json.RawMessage `json:"amount"`
	Currency string          `json:"currency"`
	Message  string          `json:"message"`
}

var pingFrame = []byte("{}")

// splitFrames separates a newline-batched message into individual JSON frames.
func splitFrames(msg []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(msg, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			out = append(out, line)
		}
	}
	return out
}

func isPing(f []byte) bool {
	return bytes.Equal(bytes.Join(bytes.Fields(f), nil), pingFrame)
}

// parsePublication decodes the data of a publication push into donations. Items that
// fail to decode are reported individually and skipped.
func parsePublication(channel string, raw json.RawMessage) ([]Donation, []error, error) {
	var pub publication
	if err := json.Unmarshal(raw, &pub); err != nil {
		return nil, nil, fmt.Errorf("publication: %w", err)
	}
	seq := pub.Seq
	if seq == 0 {
		seq = pub.Offset
	}
	payload := bytes.TrimSpace(pub.Data)
	if len(payload) == 0 {
		return nil, nil, fmt.Errorf("publication: empty data")
	}

	var items []json.RawMessage
	if payload[0] == '[' {
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil, nil, fmt.Errorf("publication data: %w", err)
		}
	} else {
		items = []json.RawMessage{payload}
	}

	var (
		donations []Donation
		errs      []error
	)
	for i, item := range items {
		d, err := parseDonation(item)
		if err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		if d.ID == "" {
			if seq == 0 {
				errs = append(errs, fmt.Errorf("item %d: no id and no sequence", i))
				continue
			}
			d.ID = fallbackEventID(channel, seq, i, len(items))
		}
		donations = append(donations, d)
	}
	return donations, errs, nil
}

func parseDonation(raw json.RawMessage) (Donation, error) {
	var p donationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Donation{}, err
	}
	target := strings.TrimSpace(p.UserID)
	if target == "" {
		target = strings.TrimSpace(p.Username)
	}
	if target == "" {
		return Donation{}, fmt.Errorf("missing target")
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return Donation{}, err
	}
	if !amount.IsPositive() {
		return Donation{}, fmt.Errorf("non-positive amount %s", amount)
	}
	return Donation{
		ID:       rawID(p.ID),
		Target:   target,
		Amount:   amount,
		Currency: strings.ToUpper(strings.TrimSpace(p.Currency)),
		Message:  p.Message,
	}, nil
}

// parseAmount accepts a JSON number or a numeric string.
func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return decimal.Zero, fmt.Errorf("missing amount")
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", s, err)
	}
	return d, nil
}

func rawID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		return strings.TrimSpace(unquoted)
	}
	return s
}

func fallbackEventID(channel string, seq int64, index, total int) string {
	if total == 1 {
		return fmt.Sprintf("%s:%d", channel, seq)
	}
	return fmt.Sprintf("%s:%d:%d", channel, seq, index)
}
