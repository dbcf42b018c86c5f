// Package networkmanager rebuilds allocator state from the cluster on
// startup and gates the Tunnel reconciler until the Network it serves
// is deployed.
package networkmanager

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	v1alpha1 "github.com/k8s-insider-dev/k8s-insider/api/v1alpha1"
	"github.com/k8s-insider-dev/k8s-insider/internal/allocator"
	"github.com/k8s-insider-dev/k8s-insider/internal/release"
)

// ReadinessPollInterval and ReadinessTimeout bound how long the
// network-manager mode waits for its Network to reach Deployed before
// giving up at startup (agent exit code 14).
const (
	ReadinessPollInterval = 500 * time.Millisecond
	ReadinessTimeout      = 5 * time.Second
)

// ErrNetworkNotFound is returned when the target Network never reaches
// Deployed within ReadinessTimeout.
var ErrNetworkNotFound = fmt.Errorf("network not found or not deployed")

// ErrNetworkWatch wraps a Kubernetes API error encountered while
// polling for Network readiness that isn't a plain "not found yet" —
// distinguished from ErrNetworkNotFound so startup can fail fast on a
// broken client instead of waiting out the full timeout.
type ErrNetworkWatch struct{ Err error }

func (e *ErrNetworkWatch) Error() string { return fmt.Sprintf("network watch failed: %v", e.Err) }

func (e *ErrNetworkWatch) Unwrap() error { return e.Err }

// WaitForNetworkReady polls until the named Network reports
// NetworkStateDeployed, or ReadinessTimeout elapses. A Get error other
// than NotFound is treated as fatal immediately rather than waited out.
func WaitForNetworkReady(ctx context.Context, c client.Client, name, namespace string) (*v1alpha1.Network, error) {
	deadline := time.Now().Add(ReadinessTimeout)
	for {
		var network v1alpha1.Network
		err := c.Get(ctx, client.ObjectKey{Namespace: namespace, Name: name}, &network)
		switch {
		case err == nil && network.Status.State == v1alpha1.NetworkStateDeployed:
			return &network, nil
		case err != nil && !apierrors.IsNotFound(err):
			return nil, &ErrNetworkWatch{Err: err}
		}

		if time.Now().After(deadline) {
			return nil, ErrNetworkNotFound
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ReadinessPollInterval):
		}
	}
}

// SyncAllocations seeds a fresh allocator from cluster state: the
// router's own address, then every Tunnel's recorded address. Tunnels
// whose insertion fails are deleted as conflicting with the allocator's
// now-authoritative view, and their names are returned for logging.
func SyncAllocations(ctx context.Context, c client.Client, network *v1alpha1.Network, rel *release.RouterRelease) (*allocator.Allocator, []string, error) {
	slog.Info("synchronizing address allocations", "network", network.Name)

	alloc, err := allocator.New(rel.PeerCIDR)
	if err != nil {
		return nil, nil, fmt.Errorf("create allocator: %w", err)
	}

	if _, err := alloc.TryInsert(rel.ServerKeys.PublicKey, rel.RouterIP); err != nil {
		return nil, nil, fmt.Errorf("seed router address: %w", err)
	}

	var tunnels v1alpha1.TunnelList
	if err := c.List(ctx, &tunnels, client.InNamespace(network.Namespace)); err != nil {
		return nil, nil, fmt.Errorf("list tunnels: %w", err)
	}

	var troublemakers []string
	for i := range tunnels.Items {
		tunnel := &tunnels.Items[i]
		if tunnel.Spec.Network != network.Name {
			continue
		}
		if tunnel.Status.Address == "" {
			continue
		}

		address, err := netip.ParseAddr(tunnel.Status.Address)
		if err != nil {
			troublemakers = append(troublemakers, tunnel.Name)
			continue
		}
		key, err := wgtypes.ParseKey(tunnel.Spec.PeerPublicKey)
		if err != nil {
			troublemakers = append(troublemakers, tunnel.Name)
			continue
		}

		if _, err := alloc.TryInsert(key, address); err != nil {
			troublemakers = append(troublemakers, tunnel.Name)
		}
	}

	for _, name := range troublemakers {
		slog.Warn("removing tunnel with conflicting address", "tunnel", name)
		tunnel := &v1alpha1.Tunnel{}
		tunnel.Name = name
		tunnel.Namespace = network.Namespace
		if err := c.Delete(ctx, tunnel); err != nil && !apierrors.IsNotFound(err) {
			slog.Warn("failed to delete conflicting tunnel", "tunnel", name, "err", err)
		}
	}

	slog.Info("address allocations synchronized", "allocated", alloc.Len(), "removed", len(troublemakers))
	return alloc, troublemakers, nil
}
