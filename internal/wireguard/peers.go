//go:build linux

package wireguard

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// PeerKeepalive is the persistent-keepalive interval set on peers added
// by the Router Config Synchronizer.
const PeerKeepalive = 120 * time.Second

// PeerConfig holds parsed peer configuration for WireGuard device setup.
type PeerConfig struct {
	PublicKey       wgtypes.Key
	Endpoint        *netip.AddrPort
	AllowedPrefixes []netip.Prefix
}

// PeerState mirrors one entry of a live device's peer list, the shape
// the synchronizer diffs against.
type PeerState struct {
	PublicKey       wgtypes.Key
	PresharedKey    wgtypes.Key
	AllowedIPs      []netip.Prefix
	LastHandshake   time.Time
}

// Device is the live WireGuard interface interface the synchronizer and
// connection reflector operate through. Implemented by *WgctrlDevice;
// mockable in tests.
type Device interface {
	Peers() ([]PeerState, error)
	ApplyPeers(ops []wgtypes.PeerConfig) error
}

// WgctrlDevice wraps a named WireGuard interface via wgctrl.
type WgctrlDevice struct {
	iface string
}

// OpenDevice returns a Device bound to iface. The interface must already
// exist (created by Configure at router startup).
func OpenDevice(iface string) *WgctrlDevice {
	return &WgctrlDevice{iface: iface}
}

func (d *WgctrlDevice) Peers() ([]PeerState, error) {
	wg, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("create wireguard client: %w", err)
	}
	defer wg.Close()

	dev, err := wg.Device(d.iface)
	if err != nil {
		return nil, fmt.Errorf("inspect wireguard device %q: %w", d.iface, err)
	}

	states := make([]PeerState, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		allowed := make([]netip.Prefix, 0, len(p.AllowedIPs))
		for _, n := range p.AllowedIPs {
			pref, err := ipNetToPrefix(n)
			if err != nil {
				continue
			}
			allowed = append(allowed, pref)
		}
		states = append(states, PeerState{
			PublicKey:     p.PublicKey,
			PresharedKey:  p.PresharedKey,
			AllowedIPs:    allowed,
			LastHandshake: p.LastHandshakeTime,
		})
	}
	return states, nil
}

func (d *WgctrlDevice) ApplyPeers(ops []wgtypes.PeerConfig) error {
	if len(ops) == 0 {
		return nil
	}
	wg, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("create wireguard client: %w", err)
	}
	defer wg.Close()

	cfg := wgtypes.Config{ReplacePeers: false, Peers: ops}
	if err := wg.ConfigureDevice(d.iface, cfg); err != nil {
		return fmt.Errorf("apply peer operations on %q: %w", d.iface, err)
	}
	return nil
}

// AddPeerOp builds the wgtypes.PeerConfig for adding a new peer with a
// single /32 (or /128) allowed IP and the keepalive interval mandated
// for router-managed peers.
func AddPeerOp(publicKey, presharedKey wgtypes.Key, allowed netip.Addr) wgtypes.PeerConfig {
	keepalive := PeerKeepalive
	return wgtypes.PeerConfig{
		PublicKey:                   publicKey,
		PresharedKey:                &presharedKey,
		ReplaceAllowedIPs:           true,
		AllowedIPs:                  []net.IPNet{prefixToIPNet(singleIPPrefix(allowed))},
		PersistentKeepaliveInterval: &keepalive,
	}
}

// UpdatePeerOp builds a wgtypes.PeerConfig carrying only the fields that
// changed: callers leave AllowedIPs/PresharedKey unset when that field
// did not diverge from the live device.
func UpdatePeerOp(publicKey wgtypes.Key, presharedKey *wgtypes.Key, allowed *netip.Addr) wgtypes.PeerConfig {
	cfg := wgtypes.PeerConfig{
		PublicKey:    publicKey,
		PresharedKey: presharedKey,
	}
	if allowed != nil {
		cfg.ReplaceAllowedIPs = true
		cfg.AllowedIPs = []net.IPNet{prefixToIPNet(singleIPPrefix(*allowed))}
	}
	return cfg
}

// RemovePeerOp builds the wgtypes.PeerConfig that removes publicKey from
// the device.
func RemovePeerOp(publicKey wgtypes.Key) wgtypes.PeerConfig {
	return wgtypes.PeerConfig{PublicKey: publicKey, Remove: true}
}
