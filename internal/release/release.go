// Package release builds the deployable form of a Network: a
// RouterRelease captures everything the Network reconciler needs to
// generate the Router's Kubernetes resources, pure and independent of
// any API call.
package release

import (
	"errors"
	"fmt"
	"net/netip"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1alpha1 "github.com/k8s-insider-dev/k8s-insider/api/v1alpha1"
)

// Validation failures. Mapped to Network.status.state by the caller
// (see internal/controller).
var (
	ErrRouterIPOutOfBounds = errors.New("router ip is not part of the peer cidr")
	ErrMissingServerKeys   = errors.New("server keys are not set")
)

// RouterRelease is everything needed to render one Network's Router
// workload: ServiceAccount, RoleBinding, Secret, Deployment, and
// optional Service.
type RouterRelease struct {
	Namespace     string
	NetworkName   string
	TunnelImage   string
	ServerKeys    ServerKeys
	KubeDNS       netip.Addr
	HasKubeDNS    bool
	ServiceDomain string
	ServiceCIDR   netip.Prefix
	PodCIDR       netip.Prefix
	PeerCIDR      netip.Prefix
	RouterIP      netip.Addr
	Service       *v1alpha1.NetworkService
	NAT           bool
	Owner         metav1.OwnerReference
}

// RouterReleaseBuilder assembles a RouterRelease from controller
// environment and a Network CR, mirroring the two-stage
// build-then-validate flow the Network reconciler runs every event.
type RouterReleaseBuilder struct {
	release RouterRelease
	err     error
}

// NewRouterReleaseBuilder seeds a builder with the values that never
// change across Networks.
func NewRouterReleaseBuilder(env ControllerEnv) *RouterReleaseBuilder {
	return &RouterReleaseBuilder{
		release: RouterRelease{
			Namespace:     env.Namespace,
			TunnelImage:   env.TunnelImage,
			KubeDNS:       env.KubeDNS,
			HasKubeDNS:    env.HasKubeDNS,
			ServiceDomain: env.ServiceDomain,
		},
	}
}

// WithNetwork fills in the per-Network fields: name, peer CIDR, router
// IP (first host of the peer CIDR), service exposure, and NAT.
func (b *RouterReleaseBuilder) WithNetwork(network *v1alpha1.Network) *RouterReleaseBuilder {
	if b.err != nil {
		return b
	}
	peerCIDR, err := netip.ParsePrefix(network.Spec.PeerCIDR)
	if err != nil {
		b.err = fmt.Errorf("parse network peer cidr %q: %w", network.Spec.PeerCIDR, err)
		return b
	}

	b.release.NetworkName = network.Name
	b.release.PeerCIDR = peerCIDR
	b.release.RouterIP = firstHost(peerCIDR)
	b.release.Service = network.Spec.NetworkService
	b.release.NAT = network.Spec.NAT != nil && *network.Spec.NAT
	return b
}

// WithoutServerKeys marks the release as not yet carrying a keypair.
// The Network reconciler calls this before its ensureServerKeys fills it in,
// matching the original's two-phase "build, then ensure keys" sequence.
func (b *RouterReleaseBuilder) WithoutServerKeys() *RouterReleaseBuilder {
	return b
}

// WithServerKeys attaches a resolved keypair.
func (b *RouterReleaseBuilder) WithServerKeys(keys ServerKeys) *RouterReleaseBuilder {
	b.release.ServerKeys = keys
	return b
}

// WithOwner sets the owner reference every generated resource carries.
func (b *RouterReleaseBuilder) WithOwner(owner metav1.OwnerReference) *RouterReleaseBuilder {
	b.release.Owner = owner
	return b
}

// Build finishes the builder, returning the first error encountered.
func (b *RouterReleaseBuilder) Build() (*RouterRelease, error) {
	if b.err != nil {
		return nil, b.err
	}
	release := b.release
	return &release, nil
}

// Validate checks the invariants the Network reconciler requires before
// generating resources: the router IP must lie within the peer CIDR,
// and a server keypair must be present.
func (r *RouterRelease) Validate() error {
	if !r.PeerCIDR.Contains(r.RouterIP) {
		return ErrRouterIPOutOfBounds
	}
	var zero ServerKeys
	if r.ServerKeys == zero {
		return ErrMissingServerKeys
	}
	return nil
}

// firstHost returns the first usable host address of prefix: network
// address + 1 for ranges wider than a single host, the network address
// itself otherwise.
func firstHost(prefix netip.Prefix) netip.Addr {
	addr := prefix.Masked().Addr()
	if prefix.Bits() >= addr.BitLen() {
		return addr
	}
	next := addr.Next()
	if !next.IsValid() {
		return addr
	}
	return next
}

// baseName is the stable name shared by every resource a RouterRelease
// generates for one Network.
func (r *RouterRelease) baseName() string {
	return fmt.Sprintf("%s-router", r.NetworkName)
}

func (r *RouterRelease) objectMeta(name string, labels map[string]string) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:            name,
		Namespace:       r.Namespace,
		Labels:          labels,
		OwnerReferences: []metav1.OwnerReference{r.Owner},
	}
}
