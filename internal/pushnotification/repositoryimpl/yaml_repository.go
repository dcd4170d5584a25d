package repositoryimpl

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/taskbot/internal/pushnotification"
	"github.com/kazz187/taskbot/pkg/cerr"
	"github.com/kazz187/taskbot/pkg/storage"
)

const pushSubscriptionsPrefix = "push_subscriptions"

type YAMLRepository struct {
	storage storage.Storage
	// mu serializes Upsert so two registrations of one endpoint cannot both create.
	mu sync.Mutex
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", pushSubscriptionsPrefix, id)
}

func (r *YAMLRepository) Upsert(ctx context.Context, s *pushnotification.Subscription) (*pushnotification.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *s
	existing, err := r.findByEndpoint(ctx, s.Endpoint)
	switch {
	case err == nil:
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	case !cerr.IsCode(err, cerr.NotFound):
		return nil, err
	}

	data, err := yaml.Marshal(&stored)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal push subscription: %w", err))
	}
	if err := r.storage.Write(ctx, path(stored.ID), data); err != nil {
		return nil, cerr.WrapStorageError(cerr.StorageWrite, "push subscription", err)
	}
	return &stored, nil
}

func (r *YAMLRepository) List(ctx context.Context) ([]*pushnotification.Subscription, error) {
	paths, err := r.storage.List(ctx, pushSubscriptionsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageError(cerr.StorageList, "push subscription", err)
	}

	sort.Strings(paths)

	var all []*pushnotification.Subscription
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var s pushnotification.Subscription
		if err := yaml.Unmarshal(data, &s); err != nil {
			continue
		}
		all = append(all, &s)
	}
	return all, nil
}

func (r *YAMLRepository) Delete(ctx context.Context, id string) error {
	if err := r.storage.Delete(ctx, path(id)); err != nil {
		return cerr.WrapStorageError(cerr.StorageDelete, "push subscription", err)
	}
	return nil
}

func (r *YAMLRepository) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	s, err := r.findByEndpoint(ctx, endpoint)
	if err != nil {
		return err
	}
	return r.Delete(ctx, s.ID)
}

func (r *YAMLRepository) findByEndpoint(ctx context.Context, endpoint string) (*pushnotification.Subscription, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.Endpoint == endpoint {
			return s, nil
		}
	}
	return nil, cerr.NewError(cerr.NotFound, "push subscription not found", nil)
}
