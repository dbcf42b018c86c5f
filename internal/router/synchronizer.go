// Package router runs on the Router pod: it converges the local
// WireGuard device's peers with the cluster's Tunnel CRs and reflects
// live handshake state back onto Connection CRs.
package router

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/client"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	v1alpha1 "github.com/k8s-insider-dev/k8s-insider/api/v1alpha1"
	"github.com/k8s-insider-dev/k8s-insider/internal/wireguard"
)

// RefreshInterval is the fixed cadence at which the synchronizer wakes
// to reconcile peers, batching rapid bursts of Tunnel events.
const RefreshInterval = 2 * time.Second

// Synchronizer converges a WireGuard device's peer list with the
// Tunnel CRs in Namespace that are Configured or Connected.
type Synchronizer struct {
	Client    client.Client
	Device    wireguard.Device
	Namespace string

	// Refresh is closed by the caller to terminate the loop, and
	// otherwise signaled once per observed Tunnel change to skip an
	// idle cycle with nothing new to apply.
	Refresh <-chan struct{}
}

// Run blocks until ctx is cancelled or Refresh is closed. Refresh
// closing exits the loop immediately, independent of the tick cadence.
func (s *Synchronizer) Run(ctx context.Context) error {
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()

	pending := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-s.Refresh:
			if !ok {
				return nil
			}
			pending = true
		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false
			if err := s.syncOnce(ctx); err != nil {
				slog.Warn("router config sync cycle failed", "err", err)
			}
		}
	}
}

func (s *Synchronizer) syncOnce(ctx context.Context) error {
	var tunnels v1alpha1.TunnelList
	if err := s.Client.List(ctx, &tunnels, client.InNamespace(s.Namespace)); err != nil {
		return err
	}

	localPeers, err := s.Device.Peers()
	if err != nil {
		return err
	}
	ops := diff(tunnels.Items, localPeers)
	if len(ops) == 0 {
		return nil
	}
	return s.Device.ApplyPeers(ops)
}

// diff implements the §4.D algorithm: build a map of live peers keyed
// by public key, walk ready tunnels emitting add/update ops and
// consuming matched entries, then emit remove ops for whatever is left.
func diff(tunnels []v1alpha1.Tunnel, localPeers []wireguard.PeerState) []wgtypes.PeerConfig {
	byKey := make(map[wgtypes.Key]wireguard.PeerState, len(localPeers))
	for _, p := range localPeers {
		byKey[p.PublicKey] = p
	}

	var ops []wgtypes.PeerConfig
	for _, tunnel := range tunnels {
		if !ready(tunnel) {
			continue
		}
		key, presharedKey, allowed, ok := parseTunnel(tunnel)
		if !ok {
			continue
		}

		if live, found := byKey[key]; found {
			delete(byKey, key)
			var newPresharedKey *wgtypes.Key
			if live.PresharedKey != presharedKey {
				newPresharedKey = &presharedKey
			}
			var newAllowed *netip.Addr
			if !sameAllowedIP(live.AllowedIPs, allowed) {
				newAllowed = &allowed
			}
			if newPresharedKey != nil || newAllowed != nil {
				ops = append(ops, wireguard.UpdatePeerOp(key, newPresharedKey, newAllowed))
			}
			continue
		}

		ops = append(ops, wireguard.AddPeerOp(key, presharedKey, allowed))
	}

	for key := range byKey {
		ops = append(ops, wireguard.RemovePeerOp(key))
	}
	return ops
}

func ready(tunnel v1alpha1.Tunnel) bool {
	return tunnel.Status.State == v1alpha1.TunnelStateConfigured || tunnel.Status.State == v1alpha1.TunnelStateConnected
}

func parseTunnel(tunnel v1alpha1.Tunnel) (key, presharedKey wgtypes.Key, allowed netip.Addr, ok bool) {
	if tunnel.Name == "" || tunnel.Spec.PeerPublicKey == "" || tunnel.Spec.PresharedKey == "" {
		return wgtypes.Key{}, wgtypes.Key{}, netip.Addr{}, false
	}
	var err error
	key, err = decodeKey(tunnel.Spec.PeerPublicKey)
	if err != nil {
		return wgtypes.Key{}, wgtypes.Key{}, netip.Addr{}, false
	}
	presharedKey, err = decodeKey(tunnel.Spec.PresharedKey)
	if err != nil {
		return wgtypes.Key{}, wgtypes.Key{}, netip.Addr{}, false
	}
	if tunnel.Status.Address == "" {
		return key, presharedKey, netip.Addr{}, true
	}
	allowed, err = netip.ParseAddr(tunnel.Status.Address)
	if err != nil {
		return wgtypes.Key{}, wgtypes.Key{}, netip.Addr{}, false
	}
	return key, presharedKey, allowed, true
}

func decodeKey(b64 string) (wgtypes.Key, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return wgtypes.Key{}, err
	}
	var key wgtypes.Key
	if len(raw) != len(key) {
		return wgtypes.Key{}, errInvalidKeyLength
	}
	copy(key[:], raw)
	return key, nil
}

var errInvalidKeyLength = errors.New("decoded key has the wrong length")

func sameAllowedIP(current []netip.Prefix, want netip.Addr) bool {
	if !want.IsValid() {
		return len(current) == 0
	}
	for _, p := range current {
		if p.Bits() == singleBits(want) && p.Addr() == want {
			return len(current) == 1
		}
	}
	return false
}

func singleBits(addr netip.Addr) int {
	if addr.Is6() {
		return 128
	}
	return 32
}
