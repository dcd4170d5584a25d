package main

import (
	"context"
	"time"

	"github.com/kazz187/taskbot/internal/config"
	"github.com/kazz187/taskbot/pkg/sentinel"
)

// sentinelGraceMargin is added to the child's drain timeout before SIGKILL.
const sentinelGraceMargin = 10 * time.Second

func runSentinel(ctx context.Context, env *config.Env, args []string) error {
	s, err := sentinel.New(sentinel.Options{
		Args:        args,
		GracePeriod: env.DrainTimeout + sentinelGraceMargin,
	})
	if err != nil {
		return err
	}
	return s.Run(ctx)
}
