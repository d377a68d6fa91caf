// Package store persists order events and collection checkpoints in
// ClickHouse. Both tables use replacing-on-merge semantics, so inserts
// are idempotent as long as the key columns match; a pre-insert lookup
// keeps duplicate rows from piling up between merges.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"dln-backfill/internal/config"
	"dln-backfill/internal/models"
)

const ordersDDL = `
CREATE TABLE IF NOT EXISTS orders (
    order_id             String,
    event_type           LowCardinality(String),
    signature            String,
    slot                 UInt64,
    block_time           DateTime,
    maker                Nullable(String),
    give_token_address   Nullable(String),
    give_token_symbol    Nullable(String),
    give_amount          Nullable(UInt128),
    give_amount_usd      Nullable(Float64),
    give_chain_id        Nullable(UInt64),
    take_token_address   Nullable(String),
    take_token_symbol    Nullable(String),
    take_amount          Nullable(UInt128),
    take_amount_usd      Nullable(Float64),
    take_chain_id        Nullable(UInt64),
    receiver             Nullable(String),
    taker                Nullable(String),
    fulfilled_amount     Nullable(UInt128),
    fulfilled_amount_usd Nullable(Float64),
    version              UInt64
)
ENGINE = ReplacingMergeTree(version)
PARTITION BY toYYYYMM(block_time)
ORDER BY (signature, event_type)
`

const progressDDL = `
CREATE TABLE IF NOT EXISTS collection_progress (
    program_id      String,
    event_type      LowCardinality(String),
    last_signature  String,
    total_collected UInt64,
    updated_at      DateTime
)
ENGINE = ReplacingMergeTree(updated_at)
ORDER BY (program_id, event_type)
`

// Store wraps one ClickHouse connection.
type Store struct {
	conn        driver.Conn
	asyncInsert bool
	waitAsync   bool
	now         func() time.Time
}

// New opens the connection and pings it.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.URL},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &Store{
		conn:        conn,
		asyncInsert: cfg.AsyncInsert,
		waitAsync:   cfg.WaitForAsyncInsert,
		now:         time.Now,
	}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// InitSchema creates both tables. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, ddl := range []string{ordersDDL, progressDDL} {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// eventKey identifies the authoritative record for one order event.
type eventKey struct {
	signature string
	eventType models.EventType
}

// filterExisting drops events whose key is already present, and dedups
// the input batch itself. Returns the survivors and the duplicate count.
func filterExisting(events []models.OrderEvent, existing map[eventKey]bool) ([]models.OrderEvent, int) {
	fresh := events[:0:0]
	duplicates := 0
	seen := make(map[eventKey]bool, len(events))
	for _, ev := range events {
		key := eventKey{signature: ev.Signature, eventType: ev.EventType}
		if existing[key] || seen[key] {
			duplicates++
			continue
		}
		seen[key] = true
		fresh = append(fresh, ev)
	}
	return fresh, duplicates
}

// InsertOrders stores the events that are not already present and
// returns (inserted, duplicates).
func (s *Store) InsertOrders(ctx context.Context, events []models.OrderEvent) (int, int, error) {
	if len(events) == 0 {
		return 0, 0, nil
	}

	signatures := make([]string, 0, len(events))
	for _, ev := range events {
		signatures = append(signatures, ev.Signature)
	}

	rows, err := s.conn.Query(ctx,
		`SELECT signature, event_type FROM orders FINAL WHERE signature IN (?)`, signatures)
	if err != nil {
		return 0, 0, fmt.Errorf("query existing orders: %w", err)
	}
	existing := make(map[eventKey]bool)
	for rows.Next() {
		var sig, et string
		if err := rows.Scan(&sig, &et); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan existing order: %w", err)
		}
		existing[eventKey{signature: sig, eventType: models.EventType(et)}] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, 0, fmt.Errorf("iterate existing orders: %w", err)
	}
	rows.Close()

	fresh, duplicates := filterExisting(events, existing)
	if len(fresh) == 0 {
		return 0, duplicates, nil
	}

	batch, err := s.conn.PrepareBatch(s.insertCtx(ctx), `INSERT INTO orders (
		order_id, event_type, signature, slot, block_time,
		maker, give_token_address, give_token_symbol, give_amount, give_amount_usd, give_chain_id,
		take_token_address, take_token_symbol, take_amount, take_amount_usd, take_chain_id,
		receiver, taker, fulfilled_amount, fulfilled_amount_usd, version)`)
	if err != nil {
		return 0, duplicates, fmt.Errorf("prepare batch: %w", err)
	}

	version := uint64(s.now().Unix())
	for _, ev := range fresh {
		err := batch.Append(
			ev.OrderID,
			string(ev.EventType),
			ev.Signature,
			ev.Slot,
			ev.BlockTime,
			ev.Maker,
			ev.GiveTokenAddress,
			ev.GiveTokenSymbol,
			bigColumn(ev.GiveAmount),
			ev.GiveAmountUSD,
			chainIDColumn(ev.GiveChainID),
			ev.TakeTokenAddress,
			ev.TakeTokenSymbol,
			bigColumn(ev.TakeAmount),
			ev.TakeAmountUSD,
			chainIDColumn(ev.TakeChainID),
			ev.Receiver,
			ev.Taker,
			bigColumn(ev.FulfilledAmount),
			ev.FulfilledAmountUSD,
			version,
		)
		if err != nil {
			return 0, duplicates, fmt.Errorf("append %s: %w", ev.Signature, err)
		}
	}
	if err := batch.Send(); err != nil {
		return 0, duplicates, fmt.Errorf("send batch: %w", err)
	}
	return len(fresh), duplicates, nil
}

// insertCtx attaches async-insert settings when configured.
func (s *Store) insertCtx(ctx context.Context) context.Context {
	if !s.asyncInsert {
		return ctx
	}
	wait := uint64(0)
	if s.waitAsync {
		wait = 1
	}
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"async_insert":          uint64(1),
		"wait_for_async_insert": wait,
	}))
}

// bigColumn maps an amount to a nullable UInt128 value.
func bigColumn(a *models.BigAmount) *big.Int {
	if a == nil || a.Int == nil {
		return nil
	}
	return a.Int
}

// chainIDColumn maps a chain id to a nullable UInt64. Values that do
// not fit are coerced to NULL rather than truncated.
func chainIDColumn(a *models.BigAmount) *uint64 {
	if a == nil || a.Int == nil {
		return nil
	}
	v, ok := a.Uint64()
	if !ok {
		log.Printf("[store] chain id %s exceeds uint64, storing NULL", a)
		return nil
	}
	return &v
}

// GetProgress reads the checkpoint for one (program, event type) pair.
// The collected total is re-counted from orders so a stale checkpoint
// can never overstate progress. Returns a zero checkpoint when none
// exists yet.
func (s *Store) GetProgress(ctx context.Context, programID string, eventType models.EventType) (models.Checkpoint, error) {
	cp := models.Checkpoint{ProgramID: programID, EventType: eventType}

	row := s.conn.QueryRow(ctx,
		`SELECT last_signature, updated_at FROM collection_progress FINAL
		 WHERE program_id = ? AND event_type = ?`, programID, string(eventType))
	if err := row.Scan(&cp.LastSignature, &cp.UpdatedAt); err != nil {
		// No checkpoint yet is the normal first-run case. Anything else
		// must surface: an empty LastSignature would silently restart
		// the collector from the chain tip.
		if !missingCheckpoint(err) {
			return cp, fmt.Errorf("read checkpoint: %w", err)
		}
	}

	row = s.conn.QueryRow(ctx,
		`SELECT count() FROM orders FINAL WHERE event_type = ?`, string(eventType))
	if err := row.Scan(&cp.TotalCollected); err != nil {
		return cp, fmt.Errorf("count orders: %w", err)
	}
	return cp, nil
}

// missingCheckpoint reports whether a checkpoint scan error just means
// no row was ever written for this (program, event type) pair.
func missingCheckpoint(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// UpdateCheckpoint writes a new checkpoint row; the merge keeps the one
// with the latest updated_at.
func (s *Store) UpdateCheckpoint(ctx context.Context, cp models.Checkpoint) error {
	err := s.conn.Exec(s.insertCtx(ctx),
		`INSERT INTO collection_progress (program_id, event_type, last_signature, total_collected, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		cp.ProgramID, string(cp.EventType), cp.LastSignature, cp.TotalCollected, s.now())
	if err != nil {
		return fmt.Errorf("update checkpoint: %w", err)
	}
	return nil
}
