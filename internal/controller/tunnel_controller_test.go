package controller

import (
	"context"
	"encoding/base64"
	"net/netip"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"go.opentelemetry.io/otel/trace/noop"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	v1alpha1 "github.com/k8s-insider-dev/k8s-insider/api/v1alpha1"
	"github.com/k8s-insider-dev/k8s-insider/internal/allocator"
)

func keyB64(seed byte) string {
	var raw [32]byte
	for i := range raw {
		raw[i] = seed
	}
	return base64.StdEncoding.EncodeToString(raw[:])
}

func newTunnelReconciler(t *testing.T, objs ...client.Object) (*TunnelReconciler, client.Client) {
	t.Helper()
	scheme := newTestScheme(t)
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		WithStatusSubresource(&v1alpha1.Tunnel{}).
		Build()

	alloc, err := allocator.New(netip.MustParsePrefix("10.8.0.0/24"))
	if err != nil {
		t.Fatalf("allocator.New: %v", err)
	}

	return &TunnelReconciler{
		Client:    c,
		Allocator: alloc,
		Tracer:    noop.NewTracerProvider().Tracer("test"),
	}, c
}

func TestTunnelReconcileAllocatesAddress(t *testing.T) {
	tunnel := &v1alpha1.Tunnel{
		ObjectMeta: metav1.ObjectMeta{Name: "peer-a", Namespace: "k8s-insider"},
		Spec:       v1alpha1.TunnelSpec{Network: "dev", PeerPublicKey: keyB64(1)},
	}
	r, c := newTunnelReconciler(t, tunnel)
	r.ServerPublicKey = keyB64(250)
	req := ctrl.Request{NamespacedName: client.ObjectKeyFromObject(tunnel)}

	// first reconcile adds the finalizer and requeues
	if _, err := r.Reconcile(context.Background(), req); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	// second reconcile performs allocation
	if _, err := r.Reconcile(context.Background(), req); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	var got v1alpha1.Tunnel
	if err := c.Get(context.Background(), req.NamespacedName, &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status.Address == "" {
		t.Fatal("expected an allocated address")
	}
	if got.Status.State != v1alpha1.TunnelStateConfigured {
		t.Fatalf("state = %q, want Configured", got.Status.State)
	}
	if got.Status.ServerPublicKey != r.ServerPublicKey {
		t.Fatalf("status.serverPublicKey = %q, want %q", got.Status.ServerPublicKey, r.ServerPublicKey)
	}
	if !controllerutil.ContainsFinalizer(&got, TunnelFinalizer) {
		t.Fatal("expected finalizer to be present")
	}
}

func TestTunnelReconcileInvalidKeyReportsError(t *testing.T) {
	tunnel := &v1alpha1.Tunnel{
		ObjectMeta: metav1.ObjectMeta{Name: "peer-bad", Namespace: "k8s-insider"},
		Spec:       v1alpha1.TunnelSpec{Network: "dev", PeerPublicKey: "not-base64-key"},
	}
	r, c := newTunnelReconciler(t, tunnel)
	req := ctrl.Request{NamespacedName: client.ObjectKeyFromObject(tunnel)}

	if _, err := r.Reconcile(context.Background(), req); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if _, err := r.Reconcile(context.Background(), req); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	var got v1alpha1.Tunnel
	if err := c.Get(context.Background(), req.NamespacedName, &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status.State != v1alpha1.TunnelStateErrorCreatingTunnel {
		t.Fatalf("state = %q, want ErrorCreatingTunnel", got.Status.State)
	}
}

func TestTunnelReconcileKeyConflict(t *testing.T) {
	key := keyB64(5)
	first := &v1alpha1.Tunnel{
		ObjectMeta: metav1.ObjectMeta{Name: "peer-a", Namespace: "k8s-insider"},
		Spec:       v1alpha1.TunnelSpec{Network: "dev", PeerPublicKey: key},
	}
	second := &v1alpha1.Tunnel{
		ObjectMeta: metav1.ObjectMeta{Name: "peer-b", Namespace: "k8s-insider"},
		Spec:       v1alpha1.TunnelSpec{Network: "dev", PeerPublicKey: key},
	}
	r, c := newTunnelReconciler(t, first, second)

	reqA := ctrl.Request{NamespacedName: client.ObjectKeyFromObject(first)}
	reqB := ctrl.Request{NamespacedName: client.ObjectKeyFromObject(second)}

	for _, req := range []ctrl.Request{reqA, reqA, reqB, reqB} {
		if _, err := r.Reconcile(context.Background(), req); err != nil {
			t.Fatalf("reconcile %v: %v", req, err)
		}
	}

	var gotB v1alpha1.Tunnel
	if err := c.Get(context.Background(), reqB.NamespacedName, &gotB); err != nil {
		t.Fatalf("get: %v", err)
	}
	if gotB.Status.State != v1alpha1.TunnelStateErrorPublicKeyConflict {
		t.Fatalf("state = %q, want ErrorPublicKeyConflict", gotB.Status.State)
	}
}

func TestTunnelCleanupReleasesAllocation(t *testing.T) {
	tunnel := &v1alpha1.Tunnel{
		ObjectMeta: metav1.ObjectMeta{Name: "peer-a", Namespace: "k8s-insider"},
		Spec:       v1alpha1.TunnelSpec{Network: "dev", PeerPublicKey: keyB64(9)},
	}
	r, c := newTunnelReconciler(t, tunnel)
	req := ctrl.Request{NamespacedName: client.ObjectKeyFromObject(tunnel)}

	if _, err := r.Reconcile(context.Background(), req); err != nil {
		t.Fatalf("add finalizer: %v", err)
	}
	if _, err := r.Reconcile(context.Background(), req); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if r.Allocator.Len() != 1 {
		t.Fatalf("expected one allocation before deletion")
	}

	if err := c.Delete(context.Background(), tunnel); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.Reconcile(context.Background(), req); err != nil {
		t.Fatalf("cleanup reconcile: %v", err)
	}

	if r.Allocator.Len() != 0 {
		t.Fatalf("expected allocation to be released, Len() = %d", r.Allocator.Len())
	}
}

func TestTunnelReconcileStaticIPOutOfRange(t *testing.T) {
	tunnel := &v1alpha1.Tunnel{
		ObjectMeta: metav1.ObjectMeta{Name: "peer-static", Namespace: "k8s-insider"},
		Spec:       v1alpha1.TunnelSpec{Network: "dev", PeerPublicKey: keyB64(20), StaticIP: "10.0.1.5"},
	}
	r, c := newTunnelReconciler(t, tunnel)
	req := ctrl.Request{NamespacedName: client.ObjectKeyFromObject(tunnel)}

	if _, err := r.Reconcile(context.Background(), req); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if _, err := r.Reconcile(context.Background(), req); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	var got v1alpha1.Tunnel
	if err := c.Get(context.Background(), req.NamespacedName, &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status.State != v1alpha1.TunnelStateErrorIPOutOfRange {
		t.Fatalf("state = %q, want ErrorIPOutOfRange", got.Status.State)
	}
}

func TestTunnelReconcileRangeExhausted(t *testing.T) {
	scheme := newTestScheme(t)
	first := &v1alpha1.Tunnel{
		ObjectMeta: metav1.ObjectMeta{Name: "peer-k1", Namespace: "k8s-insider"},
		Spec:       v1alpha1.TunnelSpec{Network: "dev", PeerPublicKey: keyB64(21)},
	}
	second := &v1alpha1.Tunnel{
		ObjectMeta: metav1.ObjectMeta{Name: "peer-k2", Namespace: "k8s-insider"},
		Spec:       v1alpha1.TunnelSpec{Network: "dev", PeerPublicKey: keyB64(22)},
	}
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(first, second).
		WithStatusSubresource(&v1alpha1.Tunnel{}).
		Build()

	// /30: router takes .1, leaving only .2 for Tunnels.
	alloc, err := allocator.New(netip.MustParsePrefix("10.0.0.0/30"))
	if err != nil {
		t.Fatalf("allocator.New: %v", err)
	}
	routerKey, err := allocatorKey(keyB64(99))
	if err != nil {
		t.Fatalf("allocatorKey: %v", err)
	}
	if _, err := alloc.TryInsert(routerKey, netip.MustParseAddr("10.0.0.1")); err != nil {
		t.Fatalf("seed router address: %v", err)
	}
	r := &TunnelReconciler{Client: c, Allocator: alloc, Tracer: noop.NewTracerProvider().Tracer("test")}

	reqA := ctrl.Request{NamespacedName: client.ObjectKeyFromObject(first)}
	reqB := ctrl.Request{NamespacedName: client.ObjectKeyFromObject(second)}

	for _, req := range []ctrl.Request{reqA, reqA, reqB, reqB} {
		if _, err := r.Reconcile(context.Background(), req); err != nil {
			t.Fatalf("reconcile %v: %v", req, err)
		}
	}

	var gotA, gotB v1alpha1.Tunnel
	if err := c.Get(context.Background(), reqA.NamespacedName, &gotA); err != nil {
		t.Fatalf("get peer-k1: %v", err)
	}
	if gotA.Status.Address != "10.0.0.2" {
		t.Fatalf("peer-k1 address = %q, want 10.0.0.2", gotA.Status.Address)
	}
	if err := c.Get(context.Background(), reqB.NamespacedName, &gotB); err != nil {
		t.Fatalf("get peer-k2: %v", err)
	}
	if gotB.Status.State != v1alpha1.TunnelStateErrorIPRangeExhausted {
		t.Fatalf("peer-k2 state = %q, want ErrorIPRangeExhausted", gotB.Status.State)
	}
}

func TestTunnelReconcileIgnoresOtherNetworks(t *testing.T) {
	tunnel := &v1alpha1.Tunnel{
		ObjectMeta: metav1.ObjectMeta{Name: "peer-a", Namespace: "k8s-insider"},
		Spec:       v1alpha1.TunnelSpec{Network: "other", PeerPublicKey: keyB64(12)},
	}
	r, c := newTunnelReconciler(t, tunnel)
	r.Network = "dev"
	req := ctrl.Request{NamespacedName: client.ObjectKeyFromObject(tunnel)}

	if _, err := r.Reconcile(context.Background(), req); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	var got v1alpha1.Tunnel
	if err := c.Get(context.Background(), req.NamespacedName, &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if controllerutil.ContainsFinalizer(&got, TunnelFinalizer) {
		t.Fatal("expected tunnel belonging to another network to be left untouched")
	}
	if r.Allocator.Len() != 0 {
		t.Fatalf("expected no allocation for a filtered-out tunnel, Len() = %d", r.Allocator.Len())
	}
}
