//go:build linux

package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/k8s-insider-dev/k8s-insider/internal/controller"
	"github.com/k8s-insider-dev/k8s-insider/internal/networkmanager"
	"github.com/k8s-insider-dev/k8s-insider/internal/release"
)

func networkManagerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "network-manager",
		Short: "Run the allocator and Tunnel reconciler for one Network",
		RunE: func(cmd *cobra.Command, args []string) error {
			runNetworkManager(cmd.Context())
			return nil
		},
	}
}

func runNetworkManager(ctx context.Context) {
	env, err := release.LoadControllerEnv()
	if err != nil {
		fatal(exitReleaseFromEnv, "load controller environment", err)
	}

	nmEnv, err := release.LoadNetworkManagerEnv()
	if err != nil {
		fatal(exitCodeForNetworkManagerEnv(err), "load network-manager environment", err)
	}

	scheme, err := newScheme()
	if err != nil {
		fatal(exitKubeClientInit, "build scheme", err)
	}

	directClient, err := newDirectClient(scheme)
	if err != nil {
		fatal(exitKubeClientInit, "init kubernetes client", err)
	}

	network, err := networkmanager.WaitForNetworkReady(ctx, directClient, nmEnv.NetworkName, nmEnv.NetworkNamespace)
	if err != nil {
		var watchErr *networkmanager.ErrNetworkWatch
		if errors.As(err, &watchErr) {
			fatal(exitNetworkWatch, "wait for network ready", err)
		}
		fatal(exitNetworkNotFound, "wait for network ready", err)
	}

	rel := buildRouterRelease(ctx, directClient, env, network)

	alloc, _, err := networkmanager.SyncAllocations(ctx, directClient, network, rel)
	if err != nil {
		fatal(exitAllocatorSync, "synchronize address allocations", err)
	}

	mgr, err := newManager(scheme, nmEnv.NetworkNamespace)
	if err != nil {
		fatal(exitKubeClientInit, "init manager", err)
	}

	reconciler := &controller.TunnelReconciler{
		Client:          mgr.GetClient(),
		Scheme:          mgr.GetScheme(),
		Allocator:       alloc,
		Tracer:          otel.Tracer("k8s-insider-network-manager"),
		Network:         nmEnv.NetworkName,
		ServerPublicKey: rel.ServerKeys.PublicKey.String(),
	}
	if err := reconciler.SetupWithManager(mgr); err != nil {
		fatal(exitKubeClientInit, "register tunnel reconciler", err)
	}

	if err := mgr.Start(ctx); err != nil {
		fatal(exitKubeClientInit, "run manager", err)
	}
}

func exitCodeForNetworkManagerEnv(err error) int {
	var missing *release.ErrMissingEnv
	if errors.As(err, &missing) && missing.Var == "KUBE_INSIDER_NETWORK_NAME" {
		return exitMissingNetworkName
	}
	return exitMissingNetworkNS
}
