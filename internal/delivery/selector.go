package delivery

import (
	"context"
	"errors"
	"sync"

	"github.com/grocerly/fulfillment/internal/domain"
)

// ErrNoCourierAvailable means selection found nobody to carry the order.
// The coordinator leaves the order where it is and the reconciler retries.
var ErrNoCourierAvailable = errors.New("no courier available")

// CourierSelector picks a courier for an order. exclude lists couriers that
// must not be offered this order again.
type CourierSelector interface {
	SelectCourier(ctx context.Context, order *domain.Order, exclude []string) (string, error)
}

// PoolSelector hands orders to a fixed pool of couriers in rotation. It is
// the stand-in for a real dispatch system; anything smarter slots in behind
// CourierSelector.
type PoolSelector struct {
	mu       sync.Mutex
	couriers []string
	next     int
}

func NewPoolSelector(couriers []string) *PoolSelector {
	return &PoolSelector{couriers: couriers}
}

func (p *PoolSelector) SelectCourier(_ context.Context, _ *domain.Order, exclude []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.couriers) == 0 {
		return "", ErrNoCourierAvailable
	}

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	for i := 0; i < len(p.couriers); i++ {
		candidate := p.couriers[(p.next+i)%len(p.couriers)]
		if excluded[candidate] {
			continue
		}
		p.next = (p.next + i + 1) % len(p.couriers)
		return candidate, nil
	}
	return "", ErrNoCourierAvailable
}
