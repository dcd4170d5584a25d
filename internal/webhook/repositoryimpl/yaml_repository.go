package repositoryimpl

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/taskbot/internal/webhook"
	"github.com/kazz187/taskbot/pkg/cerr"
	"github.com/kazz187/taskbot/pkg/storage"
)

const deliveriesPrefix = "webhook_deliveries"

// record is the stored form. The payload is kept as a JSON string so the
// YAML stays readable.
type record struct {
	webhook.Delivery `yaml:",inline"`
	Payload          string `yaml:"payload"`
}

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", deliveriesPrefix, id)
}

func marshal(d *webhook.Delivery) ([]byte, error) {
	data, err := yaml.Marshal(record{Delivery: *d, Payload: string(d.Payload)})
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal webhook delivery: %w", err))
	}
	return data, nil
}

func unmarshal(data []byte) (*webhook.Delivery, error) {
	var r record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal webhook delivery: %w", err))
	}
	d := r.Delivery
	d.Payload = []byte(r.Payload)
	return &d, nil
}

func (r *YAMLRepository) Create(ctx context.Context, d *webhook.Delivery) error {
	exists, err := r.storage.Exists(ctx, path(d.ID))
	if err != nil {
		return cerr.WrapStorageError(cerr.StorageWrite, "webhook delivery", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "webhook delivery already exists", nil)
	}
	data, err := marshal(d)
	if err != nil {
		return err
	}
	if err := r.storage.Write(ctx, path(d.ID), data); err != nil {
		return cerr.WrapStorageError(cerr.StorageWrite, "webhook delivery", err)
	}
	return nil
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*webhook.Delivery, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageError(cerr.StorageRead, "webhook delivery", err)
	}
	return unmarshal(data)
}

func (r *YAMLRepository) Update(ctx context.Context, d *webhook.Delivery) error {
	exists, err := r.storage.Exists(ctx, path(d.ID))
	if err != nil {
		return cerr.WrapStorageError(cerr.StorageWrite, "webhook delivery", err)
	}
	if !exists {
		return cerr.NewError(cerr.NotFound, "webhook delivery not found", nil)
	}
	data, err := marshal(d)
	if err != nil {
		return err
	}
	if err := r.storage.Write(ctx, path(d.ID), data); err != nil {
		return cerr.WrapStorageError(cerr.StorageWrite, "webhook delivery", err)
	}
	return nil
}

func (r *YAMLRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*webhook.Delivery, error) {
	paths, err := r.storage.List(ctx, deliveriesPrefix)
	if err != nil {
		return nil, cerr.WrapStorageError(cerr.StorageList, "webhook delivery", err)
	}

	var due []*webhook.Delivery
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		d, err := unmarshal(data)
		if err != nil {
			continue
		}
		if d.Due(now) {
			due = append(due, d)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
