//go:build linux

package main

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v1alpha1 "github.com/k8s-insider-dev/k8s-insider/api/v1alpha1"
	"github.com/k8s-insider-dev/k8s-insider/internal/release"
)

// buildRouterRelease reconstructs the RouterRelease for an already
// Deployed Network at process startup: the network-manager needs its
// PeerCIDR and router IP to rebuild the allocator, the router needs the
// same plus its own keypair to bring up its local interface. Exits the
// process on failure per the documented router-release exit codes
// (build/keys/validate), since none of these are retryable in place.
func buildRouterRelease(ctx context.Context, c client.Client, env release.ControllerEnv, network *v1alpha1.Network) *release.RouterRelease {
	rel, err := release.NewRouterReleaseBuilder(env).
		WithNetwork(network).
		WithoutServerKeys().
		Build()
	if err != nil {
		fatal(exitRouterReleaseBuild, "build router release", err)
	}

	keys, err := loadServerKeys(ctx, c, env.Namespace, rel.NetworkName)
	if err != nil {
		fatal(exitRouterReleaseKeys, "load router server keys", err)
	}
	rel.ServerKeys = keys

	if err := rel.Validate(); err != nil {
		fatal(exitRouterReleaseValidate, "validate router release", err)
	}
	return rel
}

func loadServerKeys(ctx context.Context, c client.Client, namespace, networkName string) (release.ServerKeys, error) {
	name := fmt.Sprintf("%s-router", networkName)
	var secret corev1.Secret
	if err := c.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, &secret); err != nil {
		if apierrors.IsNotFound(err) {
			return release.ServerKeys{}, fmt.Errorf("router secret %s not found: %w", name, err)
		}
		return release.ServerKeys{}, fmt.Errorf("get router secret %s: %w", name, err)
	}

	raw, err := release.ExtractServerPrivateKey(&secret)
	if err != nil {
		return release.ServerKeys{}, err
	}
	priv, err := release.ParsePrivateKey(raw)
	if err != nil {
		return release.ServerKeys{}, fmt.Errorf("decode router private key: %w", err)
	}
	return release.ServerKeysFromPrivate(priv), nil
}
