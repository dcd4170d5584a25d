package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/kazz187/taskbot/internal/brain"
	"github.com/kazz187/taskbot/internal/chat"
	"github.com/kazz187/taskbot/internal/config"
	"github.com/kazz187/taskbot/internal/daemon"
	"github.com/kazz187/taskbot/internal/executor"
	"github.com/kazz187/taskbot/internal/llm"
	"github.com/kazz187/taskbot/internal/orchestration"
	"github.com/kazz187/taskbot/internal/pushnotification"
	pushrepo "github.com/kazz187/taskbot/internal/pushnotification/repositoryimpl"
	"github.com/kazz187/taskbot/internal/reviewer"
	"github.com/kazz187/taskbot/internal/search"
	"github.com/kazz187/taskbot/internal/server"
	"github.com/kazz187/taskbot/internal/taskapi"
)

const shutdownTimeout = 10 * time.Second

// publisher is satisfied by *webhook.Queue. It stays a nil interface when
// webhook delivery is not configured.
type publisher interface {
	Publish(ctx context.Context, projectID, event string, data any) error
}

func runAgent(ctx context.Context, env *config.Env) error {
	api := taskapi.NewClient(env.TaskAPIURL, env.TaskAPIToken, env.RequestTimeout)

	botID := env.BotID
	if botID == "" {
		me, err := api.Me(ctx)
		if err != nil {
			return err
		}
		botID = me.ID
	}
	slog.InfoContext(ctx, "starting agent", "role", env.Role, "bot_id", botID)

	client, err := llm.NewClient(ctx, llm.Config{
		Provider:    env.Provider,
		Model:       env.Model,
		APIKey:      env.LLMEnv.APIKey,
		BaseURL:     env.BaseURL,
		Timeout:     env.LLMEnv.Timeout,
		MaxTokens:   env.MaxTokens,
		Temperature: env.Temperature,
	})
	if err != nil {
		return fmt.Errorf("failed to create llm client: %w", err)
	}
	searchClient := search.NewClient(env.SearchEnv.APIKey, env.URL, env.SearchEnv.Timeout)

	var sandbox *executor.Sandbox
	if env.Role != config.RoleOrchestrator {
		sandbox, err = executor.NewSandbox(executor.SandboxConfig{
			Timeout:   env.SandboxTimeout,
			OutputCap: env.SandboxOutputCap,
		})
		if err != nil {
			return fmt.Errorf("failed to create sandbox: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var pub publisher
	queue, registry, closeRepo, err := openQueue(ctx, env)
	if err != nil {
		return err
	}
	if queue != nil {
		defer closeRepo()
		pub = queue
		g.Go(func() error { return registry.Watch(gctx) })
	} else {
		slog.InfoContext(ctx, "webhook bot registry not found, event delivery disabled", "path", env.BotsFile)
	}

	loop := brain.NewToolLoop(client, api, pub, brain.LoopConfig{
		BotID:       botID,
		MaxRounds:   env.MaxToolRounds,
		MaxTokens:   env.MaxTokens,
		Temperature: llm.Temperature(env.Temperature),
	})

	health := grpchealth.NewStaticChecker()
	opts := []daemon.Option{daemon.WithHealth(health)}
	var handler daemon.Handler
	switch env.Role {
	case config.RoleOrchestrator:
		handler = brain.NewOrchestrator(brain.OrchestratorDeps{
			Loop:       loop,
			API:        api,
			Router:     orchestration.NewRouter(client),
			Decomposer: orchestration.NewDecomposer(client, api, botID, env.ResearchBotID),
			Workspaces: executor.NewWorkspaces(executor.WorkspaceConfig{
				Root:      env.WorkRoot,
				Timeout:   env.PrivilegedTimeout,
				OutputCap: env.PrivilegedOutputCap,
			}),
			Search:        searchClient,
			ResearchBotID: env.ResearchBotID,
		})
		opts = append(opts,
			daemon.WithReviewer(reviewer.New(client, api, botID, env.ResearchBotID, pub)),
			daemon.WithAggregator(orchestration.NewAggregator(api)),
		)
	default:
		handler = brain.NewResearch(loop, api, searchClient, sandbox)
	}

	var mounts []func(chi.Router)
	if env.ChatEnabled() {
		bot := chat.NewBot(chat.Config{ChatID: env.TelegramChatID, BotID: botID, Role: env.Role},
			chat.NewTelegram(env.TelegramAPIURL, env.TelegramToken, env.TelegramPollTimeout), api, client, nil)
		opts = append(opts, daemon.WithNotifier(bot))
		g.Go(func() error { return bot.Run(gctx) })
	}
	if env.PushEnabled() {
		store, err := openStorage(ctx, env)
		if err != nil {
			return err
		}
		repo := pushrepo.NewYAMLRepository(store)
		sender := pushnotification.NewSender(pushnotification.VAPIDKeys{
			PublicKey:  env.VAPIDPublicKey,
			PrivateKey: env.VAPIDPrivateKey,
			Contact:    env.VAPIDContact,
		}, repo)
		opts = append(opts, daemon.WithNotifier(pushnotification.NewNotifier(api, sender)))
		mounts = append(mounts, pushnotification.NewHandler(repo, sender).Routes)
	}

	d := daemon.New(daemon.Config{
		Role:                  env.Role,
		PollInterval:          env.PollInterval,
		ReviewInterval:        env.ReviewInterval,
		OrchestrationInterval: env.OrchestrationInterval,
		NotificationInterval:  env.NotificationInterval,
		MaxConcurrent:         env.MaxConcurrentTasks,
		DrainCheckInterval:    env.DrainCheckInterval,
		DrainTimeout:          env.DrainTimeout,
	}, api, handler, opts...)

	srv := server.New(env.HTTPHost, env.HTTPPort, env.TaskAPIToken, health, mounts...)
	daemonDone := make(chan struct{})
	g.Go(func() error {
		defer close(daemonDone)
		return d.Run(gctx)
	})
	g.Go(func() error { return serve(gctx, srv) })
	// The health endpoint keeps answering NOT_SERVING until the drain is over.
	g.Go(func() error {
		<-daemonDone
		return shutdown(srv)
	})
	return g.Wait()
}

func serve(ctx context.Context, srv *server.Server) error {
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func shutdown(srv *server.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
