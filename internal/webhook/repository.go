package webhook

import (
	"context"
	"time"
)

type Repository interface {
	Create(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id string) (*Delivery, error)
	Update(ctx context.Context, d *Delivery) error
	// ListDue returns up to limit pending deliveries due at now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
}
