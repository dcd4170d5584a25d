package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"connectrpc.com/grpchealth"
	"golang.org/x/sync/errgroup"

	"github.com/kazz187/taskbot/internal/config"
	"github.com/kazz187/taskbot/internal/server"
	"github.com/kazz187/taskbot/internal/webhook"
	"github.com/kazz187/taskbot/internal/webhook/repositoryimpl"
	"github.com/kazz187/taskbot/pkg/storage"
)

func openStorage(ctx context.Context, env *config.Env) (storage.Storage, error) {
	switch env.StorageEnv.Type {
	case "s3":
		s, err := storage.NewS3Storage(ctx, env.S3Bucket, env.S3Prefix, env.S3Region)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 storage: %w", err)
		}
		return s, nil
	default:
		s, err := storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create local storage: %w", err)
		}
		return s, nil
	}
}

func openDeliveries(ctx context.Context, env *config.Env) (webhook.Repository, func(), error) {
	if env.Store == "sqlite" {
		repo, err := repositoryimpl.NewSQLiteRepository(ctx, env.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				slog.Warn("failed to close webhook database", "error", err)
			}
		}, nil
	}
	store, err := openStorage(ctx, env)
	if err != nil {
		return nil, nil, err
	}
	return repositoryimpl.NewYAMLRepository(store), func() {}, nil
}

// openQueue returns a nil queue when the bot registry file does not exist.
func openQueue(ctx context.Context, env *config.Env) (*webhook.Queue, *webhook.BotRegistry, func(), error) {
	if _, err := os.Stat(env.BotsFile); errors.Is(err, fs.ErrNotExist) {
		return nil, nil, func() {}, nil
	}
	registry, err := webhook.NewBotRegistry(env.BotsFile)
	if err != nil {
		return nil, nil, nil, err
	}
	repo, closeRepo, err := openDeliveries(ctx, env)
	if err != nil {
		return nil, nil, nil, err
	}
	var opts []webhook.Option
	if env.ManualRetry {
		opts = append(opts, webhook.WithManualRetry())
	}
	return webhook.NewQueue(repo, registry, env.DeliveryTimeout, opts...), registry, closeRepo, nil
}

func requireQueue(ctx context.Context, env *config.Env) (*webhook.Queue, *webhook.BotRegistry, func(), error) {
	q, registry, closeRepo, err := openQueue(ctx, env)
	if err != nil {
		return nil, nil, nil, err
	}
	if q == nil {
		return nil, nil, nil, fmt.Errorf("bot registry %s does not exist", env.BotsFile)
	}
	return q, registry, closeRepo, nil
}

func runWebhookServe(ctx context.Context, env *config.Env) error {
	q, registry, closeRepo, err := requireQueue(ctx, env)
	if err != nil {
		return err
	}
	defer closeRepo()

	health := grpchealth.NewStaticChecker()
	srv := server.New(env.HTTPHost, env.HTTPPort, env.TaskAPIToken, health, webhook.NewHandler(q).Routes)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(gctx, srv) })
	g.Go(func() error { return q.RunProcessor(gctx, env.ProcessInterval) })
	g.Go(func() error { return registry.Watch(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		health.SetStatus("", grpchealth.StatusNotServing)
		return shutdown(srv)
	})
	return g.Wait()
}

func runWebhookEnqueue(ctx context.Context, env *config.Env, projectID, event, data string) error {
	q, _, closeRepo, err := requireQueue(ctx, env)
	if err != nil {
		return err
	}
	defer closeRepo()

	deliveries, err := q.FanOut(ctx, projectID, event, json.RawMessage(data))
	for _, d := range deliveries {
		fmt.Printf("%s\t%s\t%s\n", d.ID, d.BotID, d.Event)
	}
	if err != nil {
		return err
	}
	if len(deliveries) == 0 {
		slog.WarnContext(ctx, "no bot is interested in this event", "project_id", projectID, "event", event)
	}
	return nil
}

func runWebhookProcess(ctx context.Context, env *config.Env) error {
	q, _, closeRepo, err := requireQueue(ctx, env)
	if err != nil {
		return err
	}
	defer closeRepo()

	res, err := q.ProcessQueue(ctx)
	fmt.Printf("processed=%d delivered=%d retrying=%d failed=%d\n", res.Processed, res.Delivered, res.Retrying, res.Failed)
	return err
}
