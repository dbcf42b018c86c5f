//go:build linux

package main

import (
	"fmt"

	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v1alpha1 "github.com/k8s-insider-dev/k8s-insider/api/v1alpha1"
)

func newScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register built-in types: %w", err)
	}
	if err := v1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("register k8s-insider.dev types: %w", err)
	}
	return scheme, nil
}

// newDirectClient returns an uncached client for the startup steps that
// run before a manager's informers exist: waiting on Network readiness
// and reading the Tunnel list to rebuild allocator state.
func newDirectClient(scheme *runtime.Scheme) (client.Client, error) {
	cfg, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	return client.New(cfg, client.Options{Scheme: scheme})
}

// newManager builds a controller-runtime manager. When namespace is
// non-empty its cache is scoped to that namespace, for agent modes
// (network-manager, router) that only ever act on one Network's
// objects; an empty namespace leaves the cache cluster-wide, for the
// controller mode's cluster-wide Network reconciler.
func newManager(scheme *runtime.Scheme, namespace string) (ctrl.Manager, error) {
	cfg, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	opts := ctrl.Options{Scheme: scheme}
	if namespace != "" {
		opts.Cache = cache.Options{
			DefaultNamespaces: map[string]cache.Config{namespace: {}},
		}
	}
	return ctrl.NewManager(cfg, opts)
}
