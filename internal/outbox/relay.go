package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/grocerly/fulfillment/internal/database"
	"github.com/grocerly/fulfillment/internal/domain"
	"github.com/grocerly/fulfillment/internal/messaging"
)

var eventsRelayed, _ = otel.Meter("outbox").Int64Counter(
	"fulfillment.outbox.published",
	metric.WithDescription("Events drained from the outbox to the broker."))

// EventPublisher sends one envelope to a topic.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
}

// Relay drains the outbox to Kafka on a fixed interval. A publish failure
// stops the current pass at the failed record so the stream never reorders;
// everything already sent is still marked, and the next pass resumes from
// the failure point.
type Relay struct {
	db        *sql.DB
	store     *Store
	publisher EventPublisher
	router    messaging.TopicRouter
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewRelay(
	db *sql.DB,
	store *Store,
	publisher EventPublisher,
	router messaging.TopicRouter,
	interval time.Duration,
	batchSize int,
	logger *slog.Logger,
) *Relay {
	return &Relay{
		db:        db,
		store:     store,
		publisher: publisher,
		router:    router,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled, draining the outbox once per interval.
// Pass failures are logged, never fatal.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "outbox relay started",
		slog.Duration("interval", r.interval),
		slog.Int("batch_size", r.batchSize),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := r.relayOnce(ctx)
			if err != nil {
				r.logger.ErrorContext(ctx, "outbox relay pass failed",
					slog.Int("published", n),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (r *Relay) relayOnce(ctx context.Context) (int, error) {
	var publishErr error
	var published []int64

	txErr := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		publishErr = nil
		published = published[:0]

		records, err := r.store.LockUnpublished(ctx, tx, r.batchSize)
		if err != nil {
			return err
		}

		for _, rec := range records {
			topic := r.router.Route(rec.Event.Type)
			if err := r.publisher.Publish(ctx, topic, rec.Event); err != nil {
				publishErr = fmt.Errorf("publish %s to %s: %w", rec.Event.Type, topic, err)
				break
			}
			published = append(published, rec.Seq)
		}

		if len(published) > 0 {
			// Marks commit even when a later record failed, so redelivery
			// starts at the failure point rather than the batch start.
			return r.store.MarkPublished(ctx, tx, published)
		}
		return nil
	})

	if txErr != nil {
		return 0, txErr
	}
	if len(published) > 0 {
		eventsRelayed.Add(ctx, int64(len(published)))
	}
	return len(published), publishErr
}
