package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
)

// StockIntegrityJob recomputes the balance for every marker pair. With no
// persisted balance there is nothing to drift, but legacy document edits can
// still leave a pair negative; this surfaces them for operators.
type StockIntegrityJob struct {
	Pool    *pgxpool.Pool
	Ledger  *ledger.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewStockIntegrityJob initialises the integrity scan handler.
func NewStockIntegrityJob(pool *pgxpool.Pool, lg *ledger.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockIntegrityJob {
	return &StockIntegrityJob{
		Pool:    pool,
		Ledger:  lg,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the integrity scan.
func (j *StockIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil || j.Ledger == nil {
		return errors.New("stock integrity: handler not configured")
	}
	var payload StockIntegrityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskStockIntegrityScan)
	return tracker.End(j.scan(ctx, payload))
}

func (j *StockIntegrityJob) scan(ctx context.Context, payload StockIntegrityPayload) error {
	start := j.clock()
	query := `SELECT store_id, item_id FROM store_items ORDER BY store_id, item_id`
	args := []any{}
	if payload.Limit > 0 {
		query += ` LIMIT $1`
		args = append(args, payload.Limit)
	}
	rows, err := j.Pool.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	type pair struct {
		storeID int64
		itemID  int64
	}
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.storeID, &p.itemID); err != nil {
			return err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	var mu sync.Mutex
	var negatives int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, p := range pairs {
		g.Go(func() error {
			balance, err := j.Ledger.GetBalance(gctx, p.storeID, p.itemID)
			if err != nil {
				j.Logger.Warn("integrity scan: balance failed",
					slog.Int64("store_id", p.storeID),
					slog.Int64("item_id", p.itemID),
					slog.Any("error", err))
				return nil
			}
			if balance < 0 {
				mu.Lock()
				negatives++
				mu.Unlock()
				j.Metrics.AddNegativeBalances(p.storeID, 1)
				j.Logger.Error("negative stock balance",
					slog.Int64("store_id", p.storeID),
					slog.Int64("item_id", p.itemID),
					slog.Int64("balance", balance))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	j.Logger.Info("stock integrity scan complete",
		slog.Int("pairs", len(pairs)),
		slog.Int("negatives", negatives),
		slog.Duration("took", j.clock().Sub(start)))
	return nil
}
