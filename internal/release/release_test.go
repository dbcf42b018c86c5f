package release

import (
	"errors"
	"net/netip"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1alpha1 "github.com/k8s-insider-dev/k8s-insider/api/v1alpha1"
)

func TestFirstHost(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"10.8.0.0/24", "10.8.0.1"},
		{"10.8.0.0/30", "10.8.0.1"},
		{"10.8.0.5/32", "10.8.0.5"},
	}
	for _, tt := range tests {
		prefix := netip.MustParsePrefix(tt.prefix)
		if got := firstHost(prefix); got.String() != tt.want {
			t.Errorf("firstHost(%s) = %s, want %s", tt.prefix, got, tt.want)
		}
	}
}

func testNetwork(peerCIDR string) *v1alpha1.Network {
	return &v1alpha1.Network{
		ObjectMeta: metav1.ObjectMeta{Name: "dev", Namespace: "k8s-insider"},
		Spec:       v1alpha1.NetworkSpec{PeerCIDR: peerCIDR},
	}
}

func TestBuilderProducesValidRelease(t *testing.T) {
	env := ControllerEnv{Namespace: "k8s-insider", TunnelImage: "ghcr.io/k8s-insider/router:latest"}
	keys, err := GenerateServerKeys()
	if err != nil {
		t.Fatalf("GenerateServerKeys: %v", err)
	}

	r, err := NewRouterReleaseBuilder(env).
		WithNetwork(testNetwork("10.8.0.0/24")).
		WithServerKeys(keys).
		WithOwner(metav1.OwnerReference{Name: "dev"}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if r.RouterIP.String() != "10.8.0.1" {
		t.Errorf("RouterIP = %s, want 10.8.0.1", r.RouterIP)
	}
}

func TestValidateRejectsMissingKeys(t *testing.T) {
	env := ControllerEnv{Namespace: "k8s-insider"}
	r, err := NewRouterReleaseBuilder(env).
		WithNetwork(testNetwork("10.8.0.0/24")).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := r.Validate(); !errors.Is(err, ErrMissingServerKeys) {
		t.Fatalf("Validate = %v, want ErrMissingServerKeys", err)
	}
}

func TestValidateRejectsRouterIPOutOfBounds(t *testing.T) {
	env := ControllerEnv{Namespace: "k8s-insider"}
	keys, err := GenerateServerKeys()
	if err != nil {
		t.Fatalf("GenerateServerKeys: %v", err)
	}
	r, err := NewRouterReleaseBuilder(env).
		WithNetwork(testNetwork("10.8.0.0/24")).
		WithServerKeys(keys).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r.RouterIP = netip.MustParseAddr("192.168.1.1")

	if err := r.Validate(); !errors.Is(err, ErrRouterIPOutOfBounds) {
		t.Fatalf("Validate = %v, want ErrRouterIPOutOfBounds", err)
	}
}

func TestGenerateResourcesChain(t *testing.T) {
	env := ControllerEnv{Namespace: "k8s-insider", TunnelImage: "ghcr.io/k8s-insider/router:latest"}
	keys, err := GenerateServerKeys()
	if err != nil {
		t.Fatalf("GenerateServerKeys: %v", err)
	}
	r, err := NewRouterReleaseBuilder(env).
		WithNetwork(testNetwork("10.8.0.0/24")).
		WithServerKeys(keys).
		WithOwner(metav1.OwnerReference{Name: "dev"}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	sa := r.GenerateServiceAccount()
	rb := r.GenerateRoleBinding(sa)
	secret, err := r.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	deployment, err := r.GenerateDeployment(secret, sa)
	if err != nil {
		t.Fatalf("GenerateDeployment: %v", err)
	}

	if sa.Name != "dev-router" || rb.Name != "dev-router" || secret.Name != "dev-router" || deployment.Name != "dev-router" {
		t.Fatalf("resources do not share the expected base name: sa=%s rb=%s secret=%s deployment=%s",
			sa.Name, rb.Name, secret.Name, deployment.Name)
	}
	if len(rb.Subjects) != 1 || rb.Subjects[0].Name != sa.Name {
		t.Fatalf("role binding subject does not reference service account")
	}

	extracted, err := ExtractServerPrivateKey(secret)
	if err != nil {
		t.Fatalf("ExtractServerPrivateKey: %v", err)
	}
	if extracted != keys.PrivateKey.String() {
		t.Errorf("extracted private key does not round-trip")
	}

	svc, err := r.GenerateService(deployment)
	if err != nil {
		t.Fatalf("GenerateService: %v", err)
	}
	if svc != nil {
		t.Errorf("expected nil service when NetworkService is unset")
	}
}

func TestGenerateServiceLoadBalancer(t *testing.T) {
	env := ControllerEnv{Namespace: "k8s-insider", TunnelImage: "ghcr.io/k8s-insider/router:latest"}
	keys, err := GenerateServerKeys()
	if err != nil {
		t.Fatalf("GenerateServerKeys: %v", err)
	}
	network := testNetwork("10.8.0.0/24")
	network.Spec.NetworkService = &v1alpha1.NetworkService{Type: v1alpha1.NetworkServiceLoadBalancer}

	r, err := NewRouterReleaseBuilder(env).
		WithNetwork(network).
		WithServerKeys(keys).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sa := r.GenerateServiceAccount()
	secret, err := r.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	deployment, err := r.GenerateDeployment(secret, sa)
	if err != nil {
		t.Fatalf("GenerateDeployment: %v", err)
	}

	svc, err := r.GenerateService(deployment)
	if err != nil {
		t.Fatalf("GenerateService: %v", err)
	}
	if svc == nil {
		t.Fatal("expected a generated service for LoadBalancer type")
	}
}
