//go:build linux

package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/k8s-insider-dev/k8s-insider/internal/controller"
	"github.com/k8s-insider-dev/k8s-insider/internal/release"
)

func controllerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "controller",
		Short: "Run the cluster-wide Network reconciler",
		RunE: func(cmd *cobra.Command, args []string) error {
			runController(cmd.Context())
			return nil
		},
	}
}

func runController(ctx context.Context) {
	env, err := release.LoadControllerEnv()
	if err != nil {
		fatal(exitReleaseFromEnv, "load controller environment", err)
	}

	scheme, err := newScheme()
	if err != nil {
		fatal(exitKubeClientInit, "build scheme", err)
	}

	mgr, err := newManager(scheme, "")
	if err != nil {
		fatal(exitKubeClientInit, "init manager", err)
	}

	reconciler := &controller.NetworkReconciler{
		Client: mgr.GetClient(),
		Scheme: mgr.GetScheme(),
		Env:    env,
		Tracer: otel.Tracer("k8s-insider-controller"),
	}
	if err := reconciler.SetupWithManager(mgr); err != nil {
		fatal(exitKubeClientInit, "register network reconciler", err)
	}

	if err := mgr.Start(ctx); err != nil {
		fatal(exitKubeClientInit, "run manager", err)
	}
}
