// Package sweeper returns stock held by reservations that outlived their
// TTL. It only releases the claims; the owning orders stay pending and can
// still be cancelled or re-confirmed through the normal paths.
package sweeper

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/grocerly/fulfillment/internal/database"
	"github.com/grocerly/fulfillment/internal/domain"
)

var reservationsExpired, _ = otel.Meter("sweeper").Int64Counter(
	"fulfillment.reservations.expired",
	metric.WithDescription("Reservations released by the expiry sweep."))

// reservationExpirer is the slice of the inventory service the sweeper
// drives. Expire runs inside the per-reservation transaction the sweeper
// opens.
type reservationExpirer interface {
	ExpiredCandidates(ctx context.Context, limit int) ([]domain.Reservation, error)
	Expire(ctx context.Context, tx *sql.Tx, reservationID string) (bool, error)
}

type Sweeper struct {
	db        *sql.DB
	inventory reservationExpirer
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	runTx func(ctx context.Context, fn func(*sql.Tx) error) error
}

func NewSweeper(db *sql.DB, inventory reservationExpirer, interval time.Duration, batchSize int, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		db:        db,
		inventory: inventory,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		runTx: func(ctx context.Context, fn func(*sql.Tx) error) error {
			return database.WithTxRetry(ctx, db, fn)
		},
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval. Sweep
// failures are logged, never fatal.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "reservation sweeper started",
		slog.Duration("interval", s.interval),
		slog.Int("batch_size", s.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			released, err := s.sweepOnce(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "reservation sweep failed",
					slog.String("error", err.Error()),
				)
			}
			if released > 0 {
				s.logger.InfoContext(ctx, "expired reservations released",
					slog.Int("count", released),
				)
			}
		}
	}
}

// sweepOnce releases every candidate in its own transaction so one bad
// row cannot poison the batch. Candidates that were fulfilled or released
// between the scan and the expiry are skipped.
func (s *Sweeper) sweepOnce(ctx context.Context) (int, error) {
	candidates, err := s.inventory.ExpiredCandidates(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, res := range candidates {
		expired, err := s.expireOne(ctx, res.ID)
		switch {
		case err == nil:
			if expired {
				released++
				reservationsExpired.Add(ctx, 1)
			}
		case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrNotFound):
			// Confirmed or already cleaned up since the scan.
			s.logger.DebugContext(ctx, "skipping reservation",
				slog.String("reservation_id", res.ID),
				slog.String("reason", err.Error()),
			)
		default:
			s.logger.ErrorContext(ctx, "failed to expire reservation",
				slog.String("reservation_id", res.ID),
				slog.String("order_id", res.OrderID),
				slog.String("error", err.Error()),
			)
		}
	}
	return released, nil
}

func (s *Sweeper) expireOne(ctx context.Context, reservationID string) (bool, error) {
	var expired bool
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		var err error
		expired, err = s.inventory.Expire(ctx, tx, reservationID)
		return err
	})
	return expired, err
}
