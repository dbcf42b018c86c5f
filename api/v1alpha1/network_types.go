package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// NetworkServiceType selects how a Network's Router is exposed outside the
// cluster. Which of the per-variant fields on NetworkService are
// meaningful depends on Type.
type NetworkServiceType string

const (
	NetworkServiceClusterIP    NetworkServiceType = "ClusterIp"
	NetworkServiceNodePort     NetworkServiceType = "NodePort"
	NetworkServiceLoadBalancer NetworkServiceType = "LoadBalancer"
	NetworkServiceExternalIP   NetworkServiceType = "ExternalIp"
)

// NetworkService is a tagged union describing how the Router workload is
// exposed. It intentionally mirrors a Rust-style enum with per-variant
// payloads rather than reusing corev1.ServiceSpec directly, since only a
// narrow slice of Service semantics applies here.
type NetworkService struct {
	Type NetworkServiceType `json:"type"`

	// ClusterIP is used by the ClusterIp and NodePort and LoadBalancer
	// variants to request a specific service cluster IP. Optional.
	ClusterIP string `json:"clusterIp,omitempty"`

	// PredefinedIPs belongs to the NodePort variant. Optional. The
	// generated Router Service does not use it.
	PredefinedIPs []string `json:"predefinedIps,omitempty"`

	// IPs is used by the ExternalIp variant and is required for it: the
	// externally routable addresses the Service should advertise.
	IPs []string `json:"ips,omitempty"`
}

// NetworkSpec declares one WireGuard overlay.
type NetworkSpec struct {
	// PeerCIDR is the address space handed out to Tunnels of this Network.
	PeerCIDR string `json:"peerCidr"`

	// NetworkService optionally exposes the Router outside the cluster.
	// A nil value means the Router is only reachable from inside the
	// cluster network.
	NetworkService *NetworkService `json:"networkService,omitempty"`

	// NAT enables network address translation for overlay traffic leaving
	// through the Router. Optional, defaults to false.
	NAT *bool `json:"nat,omitempty"`
}

// NetworkState is the reconciliation state of a Network.
type NetworkState string

const (
	NetworkStateCreated                      NetworkState = "Created"
	NetworkStateDeployed                     NetworkState = "Deployed"
	NetworkStateUnknownError                 NetworkState = "UnknownError"
	NetworkStateErrorCreatingService         NetworkState = "ErrorCreatingService"
	NetworkStateErrorSubnetConflict          NetworkState = "ErrorSubnetConflict"
	NetworkStateErrorInsufficientPermissions NetworkState = "ErrorInsufficientPermissions"
)

// NetworkStatus reports the observed state of a Network. It is written
// exclusively by the Network reconciler.
type NetworkStatus struct {
	State NetworkState `json:"state,omitempty"`

	// ServerPublicKey is the Router's WireGuard public key, base64 encoded.
	ServerPublicKey string `json:"serverPublicKey,omitempty"`

	// DNS is the DNS address advertised to Tunnels, if any.
	DNS string `json:"dns,omitempty"`

	// Endpoints are the publicly reachable socket addresses of the Router.
	Endpoints []string `json:"endpoints,omitempty"`

	// AllowedIPs are the CIDR ranges Tunnels should route through the
	// Router.
	AllowedIPs []string `json:"allowedIps,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status

// Network is the Schema for the networks API.
type Network struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   NetworkSpec   `json:"spec,omitempty"`
	Status NetworkStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// NetworkList contains a list of Network.
type NetworkList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Network `json:"items"`
}
