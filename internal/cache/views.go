// Package cache holds the Redis read views for order and stock lookups,
// plus the event-driven invalidator that drops a view the moment the row
// behind it changes. Every view also carries a TTL so a missed event only
// means bounded staleness, never a permanently wrong answer.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grocerly/fulfillment/internal/domain"
)

const (
	// order:view:{order_id} -> full order JSON
	keyOrderView = "order:view:%s"
	// stock:view:{product_id}:{variant_id}:{warehouse_id} -> inventory record JSON
	keyStockView = "stock:view:%s:%s:%s"
)

func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// Views is the Redis-backed read cache. A nil record with nil error is a
// miss; callers fall back to Postgres and repopulate.
type Views struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewViews(rdb *redis.Client, ttl time.Duration) *Views {
	return &Views{
		rdb: rdb,
		ttl: ttl,
	}
}

func (v *Views) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	b, err := v.rdb.Get(ctx, fmt.Sprintf(keyOrderView, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get order: %w", err)
	}

	var order domain.Order
	if err := json.Unmarshal(b, &order); err != nil {
		return nil, fmt.Errorf("cache decode order: %w", err)
	}
	return &order, nil
}

func (v *Views) SetOrder(ctx context.Context, order *domain.Order) error {
	b, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("cache encode order: %w", err)
	}
	return v.rdb.Set(ctx, fmt.Sprintf(keyOrderView, order.ID), b, v.ttl).Err()
}

func (v *Views) InvalidateOrder(ctx context.Context, orderID string) error {
	return v.rdb.Del(ctx, fmt.Sprintf(keyOrderView, orderID)).Err()
}

func (v *Views) GetStock(ctx context.Context, productID, variantID, warehouseID string) (*domain.InventoryRecord, error) {
	b, err := v.rdb.Get(ctx, fmt.Sprintf(keyStockView, productID, variantID, warehouseID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get stock: %w", err)
	}

	var rec domain.InventoryRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("cache decode stock: %w", err)
	}
	return &rec, nil
}

func (v *Views) SetStock(ctx context.Context, rec *domain.InventoryRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache encode stock: %w", err)
	}
	key := fmt.Sprintf(keyStockView, rec.ProductID, rec.VariantID, rec.WarehouseID)
	return v.rdb.Set(ctx, key, b, v.ttl).Err()
}

func (v *Views) InvalidateStock(ctx context.Context, productID, variantID, warehouseID string) error {
	return v.rdb.Del(ctx, fmt.Sprintf(keyStockView, productID, variantID, warehouseID)).Err()
}
