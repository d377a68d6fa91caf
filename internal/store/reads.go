package store

import (
	"context"
	"log"
	"math/big"
	"time"

	"dln-backfill/internal/models"
)

// Read queries back the dashboard aggregates. All of them run with
// FINAL so only the latest version per key counts, and all of them
// degrade to safe zero values on error: a flaky database must not take
// the push fan-out down with it.

func (s *Store) TotalStats(ctx context.Context) models.TotalStats {
	var stats models.TotalStats
	row := s.conn.QueryRow(ctx, `
		SELECT
			countIf(event_type = 'created'),
			sumIf(coalesce(give_amount_usd, 0), event_type = 'created'),
			countIf(event_type = 'fulfilled'),
			sumIf(coalesce(fulfilled_amount_usd, 0), event_type = 'fulfilled')
		FROM orders FINAL`)
	if err := row.Scan(&stats.CreatedCount, &stats.CreatedUSD, &stats.FulfilledCount, &stats.FulfilledUSD); err != nil {
		log.Printf("[store] total stats: %v", err)
		return models.TotalStats{}
	}
	return stats
}

func (s *Store) DailyVolumes(ctx context.Context, days int, eventType models.EventType) []models.DailyVolume {
	if days <= 0 {
		days = 30
	}
	usdColumn := "give_amount_usd"
	if eventType == models.EventFulfilled {
		usdColumn = "fulfilled_amount_usd"
	}
	rows, err := s.conn.Query(ctx, `
		SELECT toDate(block_time) AS day, count(), sum(coalesce(`+usdColumn+`, 0))
		FROM orders FINAL
		WHERE event_type = ? AND block_time >= now() - INTERVAL ? DAY
		GROUP BY day
		ORDER BY day`, string(eventType), days)
	if err != nil {
		log.Printf("[store] daily volumes: %v", err)
		return nil
	}
	defer rows.Close()

	var out []models.DailyVolume
	for rows.Next() {
		var v models.DailyVolume
		if err := rows.Scan(&v.Day, &v.Count, &v.USD); err != nil {
			log.Printf("[store] daily volumes scan: %v", err)
			return nil
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[store] daily volumes rows: %v", err)
		return nil
	}
	return out
}

func (s *Store) TopTokens(ctx context.Context, limit int) []models.TokenVolume {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.conn.Query(ctx, `
		SELECT give_token_symbol, count(), sum(coalesce(give_amount_usd, 0)) AS usd
		FROM orders FINAL
		WHERE event_type = 'created' AND give_token_symbol IS NOT NULL
		GROUP BY give_token_symbol
		ORDER BY usd DESC
		LIMIT ?`, limit)
	if err != nil {
		log.Printf("[store] top tokens: %v", err)
		return nil
	}
	defer rows.Close()

	var out []models.TokenVolume
	for rows.Next() {
		var v models.TokenVolume
		var symbol *string
		if err := rows.Scan(&symbol, &v.Count, &v.USD); err != nil {
			log.Printf("[store] top tokens scan: %v", err)
			return nil
		}
		if symbol != nil {
			v.Symbol = *symbol
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[store] top tokens rows: %v", err)
		return nil
	}
	return out
}

func (s *Store) RecentOrders(ctx context.Context, limit int) []models.OrderEvent {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.conn.Query(ctx, `
		SELECT order_id, event_type, signature, slot, block_time,
		       maker, give_token_address, give_token_symbol, give_amount, give_amount_usd,
		       taker, fulfilled_amount, fulfilled_amount_usd
		FROM orders FINAL
		ORDER BY block_time DESC
		LIMIT ?`, limit)
	if err != nil {
		log.Printf("[store] recent orders: %v", err)
		return nil
	}
	defer rows.Close()

	var out []models.OrderEvent
	for rows.Next() {
		var (
			ev        models.OrderEvent
			eventType string
			blockTime time.Time
			giveAmt   *big.Int
			fulfilAmt *big.Int
		)
		err := rows.Scan(&ev.OrderID, &eventType, &ev.Signature, &ev.Slot, &blockTime,
			&ev.Maker, &ev.GiveTokenAddress, &ev.GiveTokenSymbol, &giveAmt, &ev.GiveAmountUSD,
			&ev.Taker, &fulfilAmt, &ev.FulfilledAmountUSD)
		if err != nil {
			log.Printf("[store] recent orders scan: %v", err)
			return nil
		}
		ev.EventType = models.EventType(eventType)
		ev.BlockTime = blockTime
		if giveAmt != nil {
			ev.GiveAmount = &models.BigAmount{Int: giveAmt}
		}
		if fulfilAmt != nil {
			ev.FulfilledAmount = &models.BigAmount{Int: fulfilAmt}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[store] recent orders rows: %v", err)
		return nil
	}
	return out
}

// CountOrders is the authoritative row count per event type. Unlike the
// other reads this one propagates errors: the workflow uses it to
// decide when collection is complete.
func (s *Store) CountOrders(ctx context.Context) (models.OrderCounts, error) {
	var counts models.OrderCounts
	row := s.conn.QueryRow(ctx, `
		SELECT
			countIf(event_type = 'created'),
			countIf(event_type = 'fulfilled'),
			count()
		FROM orders FINAL`)
	if err := row.Scan(&counts.Created, &counts.Fulfilled, &counts.Total); err != nil {
		return models.OrderCounts{}, err
	}
	return counts, nil
}
