package release

import (
	"fmt"
	"net/netip"
	"os"
)

// ControllerEnv is the environment every agent mode requires: the release
// namespace, cluster network topology, and the two container images the
// controller hands out to generated workloads.
type ControllerEnv struct {
	Namespace       string
	KubeDNS         netip.Addr
	HasKubeDNS      bool
	ServiceDomain   string
	ServiceCIDR     netip.Prefix
	PodCIDR         netip.Prefix
	ControllerImage string
	TunnelImage     string
}

// ErrMissingEnv reports that a required environment variable was unset.
// Reconciler startup treats this as fatal per the documented agent exit
// codes; callers are expected to exit the process rather than retry.
type ErrMissingEnv struct{ Var string }

func (e *ErrMissingEnv) Error() string { return fmt.Sprintf("missing environment variable %s", e.Var) }

func requireEnv(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", &ErrMissingEnv{Var: name}
	}
	return v, nil
}

// LoadControllerEnv reads the variables common to all agent modes.
func LoadControllerEnv() (ControllerEnv, error) {
	var env ControllerEnv
	var err error

	if env.Namespace, err = requireEnv("KUBE_INSIDER_NAMESPACE"); err != nil {
		return ControllerEnv{}, err
	}

	serviceCIDR, err := requireEnv("KUBE_INSIDER_SERVICE_CIDR")
	if err != nil {
		return ControllerEnv{}, err
	}
	if env.ServiceCIDR, err = netip.ParsePrefix(serviceCIDR); err != nil {
		return ControllerEnv{}, fmt.Errorf("parse KUBE_INSIDER_SERVICE_CIDR: %w", err)
	}

	podCIDR, err := requireEnv("KUBE_INSIDER_POD_CIDR")
	if err != nil {
		return ControllerEnv{}, err
	}
	if env.PodCIDR, err = netip.ParsePrefix(podCIDR); err != nil {
		return ControllerEnv{}, fmt.Errorf("parse KUBE_INSIDER_POD_CIDR: %w", err)
	}

	if env.ControllerImage, err = requireEnv("KUBE_INSIDER_AGENT_IMAGE_NAME"); err != nil {
		return ControllerEnv{}, err
	}
	if env.TunnelImage, err = requireEnv("KUBE_INSIDER_TUNNEL_IMAGE_NAME"); err != nil {
		return ControllerEnv{}, err
	}

	if dns, ok := os.LookupEnv("KUBE_INSIDER_DNS"); ok && dns != "" {
		addr, err := netip.ParseAddr(dns)
		if err != nil {
			return ControllerEnv{}, fmt.Errorf("parse KUBE_INSIDER_DNS: %w", err)
		}
		env.KubeDNS = addr
		env.HasKubeDNS = true
	}
	env.ServiceDomain = os.Getenv("KUBE_INSIDER_SERVICE_DOMAIN")

	return env, nil
}

// NetworkManagerEnv is the additional environment the network-manager mode
// requires on top of ControllerEnv: which Network it is serving.
type NetworkManagerEnv struct {
	NetworkName      string
	NetworkNamespace string
}

// LoadNetworkManagerEnv reads KUBE_INSIDER_NETWORK_NAME and
// KUBE_INSIDER_NETWORK_NAMESPACE independently, since the agent's exit
// codes (11 vs 12) distinguish which one is missing.
func LoadNetworkManagerEnv() (NetworkManagerEnv, error) {
	name, nameErr := requireEnv("KUBE_INSIDER_NETWORK_NAME")
	if nameErr != nil {
		return NetworkManagerEnv{}, nameErr
	}
	namespace, nsErr := requireEnv("KUBE_INSIDER_NETWORK_NAMESPACE")
	if nsErr != nil {
		return NetworkManagerEnv{}, nsErr
	}
	return NetworkManagerEnv{NetworkName: name, NetworkNamespace: namespace}, nil
}
