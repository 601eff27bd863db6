package cache

import (
	"context"
	"time"

	"boxpdv/backend/internal/domain"
)

// ReceiptCache accelerates idempotent finalize replays. The repository's
// idempotency record stays authoritative; a cache miss only costs a store
// lookup.
type ReceiptCache interface {
	Get(ctx context.Context, key string) (*domain.Receipt, bool, error)
	Set(ctx context.Context, key string, value *domain.Receipt, ttl time.Duration) error
}

type NoopReceiptCache struct{}

func (NoopReceiptCache) Get(_ context.Context, _ string) (*domain.Receipt, bool, error) {
	return nil, false, nil
}

func (NoopReceiptCache) Set(_ context.Context, _ string, _ *domain.Receipt, _ time.Duration) error {
	return nil
}
