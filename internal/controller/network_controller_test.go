package controller

import (
	"context"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"go.opentelemetry.io/otel/trace/noop"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	v1alpha1 "github.com/k8s-insider-dev/k8s-insider/api/v1alpha1"
	"github.com/k8s-insider-dev/k8s-insider/internal/release"
)

func newTestScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := v1alpha1.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme(v1alpha1): %v", err)
	}
	if err := corev1.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme(corev1): %v", err)
	}
	if err := appsv1.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme(appsv1): %v", err)
	}
	if err := rbacv1.AddToScheme(scheme); err != nil {
		t.Fatalf("AddToScheme(rbacv1): %v", err)
	}
	return scheme
}

func newTestReconciler(t *testing.T, objs ...client.Object) (*NetworkReconciler, client.Client) {
	t.Helper()
	scheme := newTestScheme(t)
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		WithStatusSubresource(&v1alpha1.Network{}).
		Build()

	return &NetworkReconciler{
		Client: c,
		Scheme: scheme,
		Env: release.ControllerEnv{
			Namespace:   "k8s-insider",
			TunnelImage: "ghcr.io/k8s-insider/router:latest",
		},
		Tracer: noop.NewTracerProvider().Tracer("test"),
	}, c
}

func testNetwork() *v1alpha1.Network {
	return &v1alpha1.Network{
		ObjectMeta: metav1.ObjectMeta{Name: "dev", Namespace: "k8s-insider", UID: "dev-uid"},
		Spec:       v1alpha1.NetworkSpec{PeerCIDR: "10.8.0.0/24"},
	}
}

func TestReconcileDeploysRouterResources(t *testing.T) {
	network := testNetwork()
	r, c := newTestReconciler(t, network)

	req := ctrl.Request{NamespacedName: client.ObjectKeyFromObject(network)}
	if _, err := r.Reconcile(context.Background(), req); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	var got v1alpha1.Network
	if err := c.Get(context.Background(), req.NamespacedName, &got); err != nil {
		t.Fatalf("get network: %v", err)
	}
	if got.Status.State != v1alpha1.NetworkStateDeployed {
		t.Fatalf("status.state = %q, want Deployed", got.Status.State)
	}
	if got.Status.ServerPublicKey == "" {
		t.Fatal("expected a server public key to be recorded")
	}

	var secret corev1.Secret
	if err := c.Get(context.Background(), client.ObjectKey{Namespace: "k8s-insider", Name: "dev-router"}, &secret); err != nil {
		t.Fatalf("get generated secret: %v", err)
	}
}

func TestReconcileReusesExistingServerKey(t *testing.T) {
	network := testNetwork()
	r, c := newTestReconciler(t, network)

	req := ctrl.Request{NamespacedName: client.ObjectKeyFromObject(network)}
	if _, err := r.Reconcile(context.Background(), req); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}

	var first v1alpha1.Network
	if err := c.Get(context.Background(), req.NamespacedName, &first); err != nil {
		t.Fatalf("get network: %v", err)
	}

	if _, err := r.Reconcile(context.Background(), req); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	var second v1alpha1.Network
	if err := c.Get(context.Background(), req.NamespacedName, &second); err != nil {
		t.Fatalf("get network: %v", err)
	}

	if first.Status.ServerPublicKey != second.Status.ServerPublicKey {
		t.Fatalf("server public key changed across reconciles: %q != %q",
			first.Status.ServerPublicKey, second.Status.ServerPublicKey)
	}
}

func TestReconcileMalformedPeerCIDRReportsUnknownError(t *testing.T) {
	network := testNetwork()
	network.Spec.PeerCIDR = "not-a-cidr"
	r, c := newTestReconciler(t, network)

	req := ctrl.Request{NamespacedName: client.ObjectKeyFromObject(network)}
	if _, err := r.Reconcile(context.Background(), req); err != nil {
		t.Fatalf("Reconcile returned an error (it should swallow reconcile-level errors): %v", err)
	}

	var got v1alpha1.Network
	if err := c.Get(context.Background(), req.NamespacedName, &got); err != nil {
		t.Fatalf("get network: %v", err)
	}
	if got.Status.State != v1alpha1.NetworkStateUnknownError {
		t.Fatalf("status.state = %q, want UnknownError", got.Status.State)
	}
}

func TestErrorToNetworkState(t *testing.T) {
	if got := errorToNetworkState(release.ErrRouterIPOutOfBounds); got != v1alpha1.NetworkStateErrorSubnetConflict {
		t.Errorf("got %v", got)
	}
	if got := errorToNetworkState(release.ErrMissingServerKeys); got != v1alpha1.NetworkStateErrorCreatingService {
		t.Errorf("got %v", got)
	}
}
