// Package parser turns fetched Solana transactions into order events.
// Order IDs are recovered from program logs, amounts from token balance
// deltas, and token symbols through the token directory.
package parser

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"
	"math/big"
	"regexp"
	"strings"
	"time"

	"dln-backfill/internal/models"
	"dln-backfill/internal/solana"
	"dln-backfill/internal/tokens"
)

// orderIDPattern is the textual fallback when no event payload is
// logged: some program versions print the order id as plain hex.
var orderIDPattern = regexp.MustCompile(`(?i)order[_ ]?id[:\s]+([0-9a-f]{64})`)

// Parser is stateless apart from its shared Stats.
type Parser struct {
	sourceProgram      string
	destinationProgram string
	directory          tokens.Directory
	stats              *Stats
}

func New(sourceProgram, destinationProgram string, directory tokens.Directory) *Parser {
	return &Parser{
		sourceProgram:      sourceProgram,
		destinationProgram: destinationProgram,
		directory:          directory,
		stats:              newStats(),
	}
}

// Stats returns the process-wide parse counters.
func (p *Parser) Stats() StatsSnapshot {
	return p.stats.Snapshot()
}

// ParseBatch parses every transaction, pairing it with the signature at
// the same index. Nil transactions are skipped and per-transaction
// failures are swallowed; a bad transaction never sinks its batch.
func (p *Parser) ParseBatch(txs []*solana.Transaction, signatures []string, eventType models.EventType) []models.OrderEvent {
	var events []models.OrderEvent
	for i, tx := range txs {
		if tx == nil {
			continue
		}
		sig := ""
		if i < len(signatures) {
			sig = signatures[i]
		}
		ev, err := p.Parse(tx, sig, eventType)
		if err != nil {
			p.stats.failed.Add(1)
			log.Printf("[parser] %s: %v", sig, err)
			continue
		}
		if ev == nil {
			continue
		}
		events = append(events, *ev)
	}
	return events
}

// Parse extracts at most one order event of the given type from a
// transaction. A nil event with nil error means the transaction simply
// carried no matching event.
func (p *Parser) Parse(tx *solana.Transaction, signature string, eventType models.EventType) (*models.OrderEvent, error) {
	p.stats.total.Add(1)

	if !eventType.Valid() {
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	if tx.Meta == nil {
		p.stats.noEvents.Add(1)
		return nil, nil
	}

	program := p.sourceProgram
	if eventType == models.EventFulfilled {
		program = p.destinationProgram
	}

	orderID, ok := extractOrderID(tx.Meta.LogMessages, program)
	if !ok {
		p.stats.noEvents.Add(1)
		return nil, nil
	}
	if eventType == models.EventCreated && !invokesProgram(tx, p.sourceProgram) {
		p.stats.noEvents.Add(1)
		return nil, nil
	}

	if signature == "" && len(tx.Transaction.Signatures) > 0 {
		signature = tx.Transaction.Signatures[0]
	}

	ev := &models.OrderEvent{
		OrderID:   orderID,
		EventType: eventType,
		Signature: signature,
		Slot:      tx.Slot,
	}
	if tx.BlockTime != nil {
		ev.BlockTime = time.Unix(*tx.BlockTime, 0).UTC()
	}

	signer := tx.FirstSigner()
	mint, delta, decimals, haveDelta := largestBalanceDelta(tx.Meta)

	switch eventType {
	case models.EventCreated:
		if signer != "" {
			ev.Maker = &signer
		}
		if haveDelta {
			ev.GiveTokenAddress = &mint
			ev.GiveAmount = &models.BigAmount{Int: delta}
			if symbol, usd, known := p.valueToken(mint, delta, decimals); known {
				ev.GiveTokenSymbol = &symbol
				ev.GiveAmountUSD = &usd
			}
		}
	case models.EventFulfilled:
		if signer != "" {
			ev.Taker = &signer
		}
		if haveDelta {
			ev.FulfilledAmount = &models.BigAmount{Int: delta}
			if _, usd, known := p.valueToken(mint, delta, decimals); known {
				ev.FulfilledAmountUSD = &usd
			}
		}
	}

	p.stats.success.Add(1)
	return ev, nil
}

// valueToken resolves a mint through the directory and estimates its
// USD value. Stablecoins are pinned at 1:1. Unknown mints are counted
// and reported as not known.
func (p *Parser) valueToken(mint string, raw *big.Int, decimals uint8) (symbol string, usd float64, known bool) {
	tok, ok := p.directory.Lookup(mint)
	if !ok {
		p.stats.recordUnknownToken(mint)
		return "", 0, false
	}
	price := tok.EstPriceUSD
	if tok.Stablecoin {
		price = 1.0
	}
	if tok.Decimals > 0 {
		decimals = tok.Decimals
	}
	f := new(big.Float).SetInt(raw)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	units, _ := new(big.Float).Quo(f, scale).Float64()
	return tok.Symbol, units * price, true
}

// extractOrderID scans the log stream for an order id emitted while the
// given program is executing. The window opens on the program's invoke
// marker and closes on its success or failed marker.
func extractOrderID(logs []string, programID string) (string, bool) {
	invoke := "Program " + programID + " invoke"
	success := "Program " + programID + " success"
	failed := "Program " + programID + " failed"

	inside := false
	for _, line := range logs {
		switch {
		case strings.HasPrefix(line, invoke):
			inside = true
			continue
		case strings.HasPrefix(line, success), strings.HasPrefix(line, failed):
			inside = false
			continue
		}
		if !inside {
			continue
		}

		if payload, ok := strings.CutPrefix(line, "Program data: "); ok {
			raw, err := base64.StdEncoding.DecodeString(payload)
			if err != nil || len(raw) < 40 {
				continue
			}
			// Bytes 8..40 follow the 8-byte event discriminator.
			id := raw[8:40]
			if allZero(id) {
				continue
			}
			return hex.EncodeToString(id), true
		}

		if m := orderIDPattern.FindStringSubmatch(line); m != nil {
			id := strings.ToLower(m[1])
			if id != strings.Repeat("0", 64) {
				return id, true
			}
		}
	}
	return "", false
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// invokesProgram reports whether any outer or inner instruction targets
// the program.
func invokesProgram(tx *solana.Transaction, programID string) bool {
	keys := tx.AllAccountKeys()
	at := func(idx int) string {
		if idx < 0 || idx >= len(keys) {
			return ""
		}
		return keys[idx]
	}
	for _, ins := range tx.Transaction.Message.Instructions {
		if at(ins.ProgramIDIndex) == programID {
			return true
		}
	}
	if tx.Meta == nil {
		return false
	}
	for _, inner := range tx.Meta.InnerInstructions {
		for _, ins := range inner.Instructions {
			if at(ins.ProgramIDIndex) == programID {
				return true
			}
		}
	}
	return false
}

// largestBalanceDelta finds the token account with the largest absolute
// balance change between pre and post. Accounts created during the
// transaction count with their full post amount; accounts emptied and
// closed count with their full pre amount.
func largestBalanceDelta(meta *solana.Meta) (mint string, delta *big.Int, decimals uint8, ok bool) {
	type bal struct {
		mint     string
		amount   *big.Int
		decimals uint8
	}
	pre := make(map[int]bal, len(meta.PreTokenBalances))
	for _, tb := range meta.PreTokenBalances {
		if v, good := new(big.Int).SetString(tb.UITokenAmount.Amount, 10); good {
			pre[tb.AccountIndex] = bal{mint: tb.Mint, amount: v, decimals: tb.UITokenAmount.Decimals}
		}
	}

	best := new(big.Int)
	seen := make(map[int]bool, len(meta.PostTokenBalances))
	consider := func(m string, d uint8, change *big.Int) {
		abs := new(big.Int).Abs(change)
		if abs.Cmp(best) > 0 {
			best = abs
			mint, decimals, ok = m, d, true
		}
	}

	for _, tb := range meta.PostTokenBalances {
		post, good := new(big.Int).SetString(tb.UITokenAmount.Amount, 10)
		if !good {
			continue
		}
		seen[tb.AccountIndex] = true
		change := post
		if before, existed := pre[tb.AccountIndex]; existed {
			change = new(big.Int).Sub(post, before.amount)
		}
		consider(tb.Mint, tb.UITokenAmount.Decimals, change)
	}
	for idx, before := range pre {
		if seen[idx] {
			continue
		}
		consider(before.mint, before.decimals, new(big.Int).Neg(before.amount))
	}

	if !ok {
		return "", nil, 0, false
	}
	return mint, best, decimals, true
}
