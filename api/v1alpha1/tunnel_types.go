package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// TunnelSpec declares one peer's intent to join a Network.
type TunnelSpec struct {
	// Network is the name of the owning Network, in the same namespace.
	Network string `json:"network"`

	// PeerPublicKey is the peer's WireGuard public key, base64 encoded.
	PeerPublicKey string `json:"peerPublicKey"`

	// PresharedKey is this tunnel's WireGuard preshared key, base64 encoded.
	PresharedKey string `json:"presharedKey"`

	// StaticIP requests a specific address from the Network's peer CIDR.
	// If unset, an address is chosen by the allocator.
	StaticIP string `json:"staticIp,omitempty"`
}

// TunnelState is the reconciliation state of a Tunnel.
type TunnelState string

const (
	TunnelStateUnknown                TunnelState = "Unknown"
	TunnelStateCreating               TunnelState = "Creating"
	TunnelStateConfigured             TunnelState = "Configured"
	TunnelStateConnected              TunnelState = "Connected"
	TunnelStateClosed                 TunnelState = "Closed"
	TunnelStateErrorCreatingTunnel    TunnelState = "ErrorCreatingTunnel"
	TunnelStateErrorPublicKeyConflict TunnelState = "ErrorPublicKeyConflict"
	TunnelStateErrorIPAlreadyInUse    TunnelState = "ErrorIpAlreadyInUse"
	TunnelStateErrorIPOutOfRange      TunnelState = "ErrorIpOutOfRange"
	TunnelStateErrorIPRangeExhausted  TunnelState = "ErrorIpRangeExhausted"
)

// TunnelStatus reports the observed state of a Tunnel. It is written
// exclusively by the Tunnel reconciler.
type TunnelStatus struct {
	State TunnelState `json:"state,omitempty"`

	// ServerPublicKey is the Router's WireGuard public key, so a peer
	// can configure its own tunnel without a separate lookup against
	// the owning Network.
	ServerPublicKey string `json:"serverPublicKey,omitempty"`

	// Address is the overlay IPv4 address assigned to this peer.
	Address string `json:"address,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status

// Tunnel is the Schema for the tunnels API.
type Tunnel struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   TunnelSpec   `json:"spec,omitempty"`
	Status TunnelStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// TunnelList contains a list of Tunnel.
type TunnelList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Tunnel `json:"items"`
}
