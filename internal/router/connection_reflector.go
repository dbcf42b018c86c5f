package router

import (
	"context"
	"log/slog"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/client"

	v1alpha1 "github.com/k8s-insider-dev/k8s-insider/api/v1alpha1"
	"github.com/k8s-insider-dev/k8s-insider/internal/wireguard"
)

// ConnectionFieldManager is the server-side-apply identity the
// connection reflector writes under.
const ConnectionFieldManager = "k8s-insider-router"

// ConnectionReflector writes Connection.status.lastHandshake from the
// live WireGuard device state, on the same cadence as Synchronizer. It
// only reads the device and Connection CRs; it never mutates allocator
// or Tunnel state.
type ConnectionReflector struct {
	Client    client.Client
	Device    wireguard.Device
	Namespace string
}

// Run blocks until ctx is cancelled.
func (r *ConnectionReflector) Run(ctx context.Context) error {
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.reflectOnce(ctx); err != nil {
				slog.Warn("connection reflector cycle failed", "err", err)
			}
		}
	}
}

func (r *ConnectionReflector) reflectOnce(ctx context.Context) error {
	peers, err := r.Device.Peers()
	if err != nil {
		return err
	}
	handshakeByKey := make(map[string]time.Time, len(peers))
	for _, p := range peers {
		handshakeByKey[p.PublicKey.String()] = p.LastHandshake
	}

	var connections v1alpha1.ConnectionList
	if err := r.Client.List(ctx, &connections, client.InNamespace(r.Namespace)); err != nil {
		return err
	}

	for i := range connections.Items {
		conn := &connections.Items[i]
		key, err := decodeKey(conn.Spec.PeerPublicKey)
		if err != nil {
			continue
		}
		handshake, ok := handshakeByKey[key.String()]
		if !ok || handshake.IsZero() {
			continue
		}
		formatted := handshake.UTC().Format(time.RFC3339)
		if conn.Status.LastHandshake == formatted {
			continue
		}

		patch := conn.DeepCopy()
		patch.Status.LastHandshake = formatted
		if err := r.Client.Status().Patch(ctx, patch, client.Apply, client.ForceOwnership, client.FieldOwner(ConnectionFieldManager)); err != nil {
			slog.Warn("failed to patch connection status", "connection", conn.Name, "err", err)
		}
	}
	return nil
}
