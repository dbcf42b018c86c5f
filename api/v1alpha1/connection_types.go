package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ConnectionSpec identifies the peer a Connection tracks handshake state
// for.
type ConnectionSpec struct {
	PeerPublicKey string `json:"peerPublicKey"`
}

// ConnectionStatus reports the last observed WireGuard handshake for the
// peer. It is written by the router's connection reflector, never by a
// user.
type ConnectionStatus struct {
	// LastHandshake is RFC-3339 formatted, empty if no handshake has been
	// observed yet.
	LastHandshake string `json:"lastHandshake,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status

// Connection is the Schema for the connections API.
type Connection struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ConnectionSpec   `json:"spec,omitempty"`
	Status ConnectionStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// ConnectionList contains a list of Connection.
type ConnectionList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Connection `json:"items"`
}
