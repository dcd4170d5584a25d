package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"

	"github.com/kazz187/taskbot/internal/config"
	"github.com/kazz187/taskbot/pkg/clog"
)

var (
	app = kingpin.New("taskbot", "Task automation agents and webhook delivery")

	runCmd = app.Command("run", "Run an agent daemon").Default()

	sentinelCmd  = app.Command("sentinel", "Supervise `taskbot run`, restarting it on crash or binary update")
	sentinelArgs = sentinelCmd.Arg("args", "Arguments for the supervised process").Default("run").Strings()

	webhookCmd = app.Command("webhook", "Webhook delivery queue")

	webhookServeCmd = webhookCmd.Command("serve", "Serve the webhook admin API and process the queue")

	webhookEnqueueCmd     = webhookCmd.Command("enqueue", "Queue an event for the bots interested in a project")
	webhookEnqueueProject = webhookEnqueueCmd.Flag("project", "Project ID").Required().String()
	webhookEnqueueEvent   = webhookEnqueueCmd.Flag("event", "Event name").Required().String()
	webhookEnqueueData    = webhookEnqueueCmd.Flag("data", "Event data as JSON").Default("{}").String()

	webhookProcessCmd = webhookCmd.Command("process", "Attempt every due delivery once and exit")
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	setupLogger(&env.BaseEnv)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	switch command {
	case runCmd.FullCommand():
		err = runAgent(ctx, env)
	case sentinelCmd.FullCommand():
		err = runSentinel(ctx, env, *sentinelArgs)
	case webhookServeCmd.FullCommand():
		err = runWebhookServe(ctx, env)
	case webhookEnqueueCmd.FullCommand():
		err = runWebhookEnqueue(ctx, env, *webhookEnqueueProject, *webhookEnqueueEvent, *webhookEnqueueData)
	case webhookProcessCmd.FullCommand():
		err = runWebhookProcess(ctx, env)
	}
	if err != nil {
		slog.Error("taskbot exited with error", "command", command, "error", err)
		cancel()
		os.Exit(1)
	}
}

func setupLogger(env *config.BaseEnv) {
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))
}
