package models

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// EventType distinguishes the two order event kinds. "created" events
// originate from the source program, "fulfilled" from the destination.
type EventType string

const (
	EventCreated   EventType = "created"
	EventFulfilled EventType = "fulfilled"
)

// Valid reports whether t is one of the two known event types.
func (t EventType) Valid() bool {
	return t == EventCreated || t == EventFulfilled
}

// BigAmount is an unsigned integer of up to 256 bits that crosses
// serialized boundaries as a decimal string. Token amounts on foreign
// chains routinely exceed 64 bits, and the workflow engine round-trips
// payloads through JSON where float64 would lose precision.
type BigAmount struct {
	Int *big.Int
}

func NewBigAmount(v uint64) *BigAmount {
	return &BigAmount{Int: new(big.Int).SetUint64(v)}
}

func BigAmountFromString(s string) (*BigAmount, error) {
	i, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || i.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return &BigAmount{Int: i}, nil
}

func (a *BigAmount) String() string {
	if a == nil || a.Int == nil {
		return "0"
	}
	return a.Int.String()
}

// Uint64 returns the value and whether it fits in an unsigned 64-bit
// integer. Values that do not fit are reported as (0, false) so callers
// can coerce them to NULL instead of truncating.
func (a *BigAmount) Uint64() (uint64, bool) {
	if a == nil || a.Int == nil {
		return 0, false
	}
	if !a.Int.IsUint64() {
		return 0, false
	}
	return a.Int.Uint64(), true
}

func (a BigAmount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *BigAmount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		a.Int = new(big.Int)
		return nil
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid big amount %q", s)
	}
	a.Int = i
	return nil
}

// OrderEvent is one row of the orders table. Immutable once written;
// (signature, event_type) identifies the authoritative record.
type OrderEvent struct {
	OrderID   string    `json:"order_id"`
	EventType EventType `json:"event_type"`
	Signature string    `json:"signature"`
	Slot      uint64    `json:"slot"`
	BlockTime time.Time `json:"block_time"`

	// created-only attributes.
	Maker            *string    `json:"maker,omitempty"`
	GiveTokenAddress *string    `json:"give_token_address,omitempty"`
	GiveTokenSymbol  *string    `json:"give_token_symbol,omitempty"`
	GiveAmount       *BigAmount `json:"give_amount,omitempty"`
	GiveAmountUSD    *float64   `json:"give_amount_usd,omitempty"`
	GiveChainID      *BigAmount `json:"give_chain_id,omitempty"`
	TakeTokenAddress *string    `json:"take_token_address,omitempty"`
	TakeTokenSymbol  *string    `json:"take_token_symbol,omitempty"`
	TakeAmount       *BigAmount `json:"take_amount,omitempty"`
	TakeAmountUSD    *float64   `json:"take_amount_usd,omitempty"`
	TakeChainID      *BigAmount `json:"take_chain_id,omitempty"`
	Receiver         *string    `json:"receiver,omitempty"`

	// fulfilled-only attributes.
	Taker              *string    `json:"taker,omitempty"`
	FulfilledAmount    *BigAmount `json:"fulfilled_amount,omitempty"`
	FulfilledAmountUSD *float64   `json:"fulfilled_amount_usd,omitempty"`
}

// Checkpoint is one row of the collection_progress table.
type Checkpoint struct {
	ProgramID      string    `json:"program_id"`
	EventType      EventType `json:"event_type"`
	LastSignature  string    `json:"last_signature"`
	TotalCollected uint64    `json:"total_collected"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TotalStats aggregates the orders table by event type.
type TotalStats struct {
	CreatedCount   uint64  `json:"created_count"`
	CreatedUSD     float64 `json:"created_usd"`
	FulfilledCount uint64  `json:"fulfilled_count"`
	FulfilledUSD   float64 `json:"fulfilled_usd"`
}

// DailyVolume is one day of counts and USD volume for one event type.
type DailyVolume struct {
	Day   time.Time `json:"day"`
	Count uint64    `json:"count"`
	USD   float64   `json:"usd"`
}

// TokenVolume aggregates created orders by give token symbol.
type TokenVolume struct {
	Symbol string  `json:"symbol"`
	Count  uint64  `json:"count"`
	USD    float64 `json:"usd"`
}

// OrderCounts is the authoritative row count per event type.
type OrderCounts struct {
	Created   uint64 `json:"created"`
	Fulfilled uint64 `json:"fulfilled"`
	Total     uint64 `json:"total"`
}
