// Package controller hosts the Network and Tunnel reconcilers: the
// control loops that turn CRs into running WireGuard infrastructure.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	v1alpha1 "github.com/k8s-insider-dev/k8s-insider/api/v1alpha1"
	"github.com/k8s-insider-dev/k8s-insider/internal/release"
)

// NetworkFieldManager is the server-side-apply identity the Network
// reconciler writes under.
const NetworkFieldManager = "k8s-insider-controller"

const (
	networkSuccessRequeue    = 5 * time.Minute
	networkValidationRequeue = 5 * time.Minute
	networkErrorRequeue      = 10 * time.Second
)

// NetworkReconciler materializes Network CRs into Router workloads.
type NetworkReconciler struct {
	client.Client
	Scheme *runtime.Scheme
	Env    release.ControllerEnv
	Tracer trace.Tracer
}

// SetupWithManager registers the reconciler, watching the resources it
// owns so a manual edit to a generated Deployment/Service/Secret is
// corrected on the next reconcile.
func (r *NetworkReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Network{}).
		Owns(&appsv1.Deployment{}).
		Owns(&corev1.Service{}).
		Owns(&corev1.Secret{}).
		Owns(&corev1.ServiceAccount{}).
		Owns(&rbacv1.RoleBinding{}).
		Complete(r)
}

func (r *NetworkReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	ctx, span := r.Tracer.Start(ctx, "network.reconcile")
	defer span.End()

	log := slog.With("network", req.NamespacedName.String())

	var network v1alpha1.Network
	if err := r.Get(ctx, req.NamespacedName, &network); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	err := r.reconcile(ctx, &network)
	if err == nil {
		log.Debug("network reconciled", "state", network.Status.State)
		return ctrl.Result{RequeueAfter: networkSuccessRequeue}, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	state := errorToNetworkState(err)
	if statusErr := r.patchNetworkStatus(ctx, &network, state, ""); statusErr != nil {
		log.Warn("failed to patch error status", "err", statusErr)
	}

	log.Warn("network reconcile failed", "err", err, "state", state)

	if errors.Is(err, release.ErrRouterIPOutOfBounds) || errors.Is(err, release.ErrMissingServerKeys) {
		return ctrl.Result{RequeueAfter: networkValidationRequeue}, nil
	}
	return ctrl.Result{RequeueAfter: networkErrorRequeue}, nil
}

func (r *NetworkReconciler) reconcile(ctx context.Context, network *v1alpha1.Network) error {
	owner := metav1.OwnerReference{
		APIVersion:         v1alpha1.GroupVersion.String(),
		Kind:               "Network",
		Name:               network.Name,
		UID:                network.UID,
		Controller:         boolPtr(true),
		BlockOwnerDeletion: boolPtr(true),
	}

	rel, err := release.NewRouterReleaseBuilder(r.Env).
		WithNetwork(network).
		WithoutServerKeys().
		WithOwner(owner).
		Build()
	if err != nil {
		return fmt.Errorf("build router release: %w", err)
	}

	if err := r.ensureServerKeys(ctx, rel); err != nil {
		return err
	}

	if err := rel.Validate(); err != nil {
		return err
	}

	if err := r.applyRelease(ctx, rel); err != nil {
		return err
	}

	return r.patchDeployedStatus(ctx, network, rel)
}

// ensureServerKeys looks up the Router's Secret; if present, it decodes
// the existing private key instead of minting a new one, so reconciling
// a Network never rotates keys a Router is already using.
func (r *NetworkReconciler) ensureServerKeys(ctx context.Context, rel *release.RouterRelease) error {
	name := fmt.Sprintf("%s-router", rel.NetworkName)
	var secret corev1.Secret
	err := r.Get(ctx, client.ObjectKey{Namespace: rel.Namespace, Name: name}, &secret)
	switch {
	case err == nil:
		raw, genErr := release.ExtractServerPrivateKey(&secret)
		if genErr != nil {
			return fmt.Errorf("read server secret: %w", genErr)
		}
		priv, genErr := release.ParsePrivateKey(raw)
		if genErr != nil {
			return fmt.Errorf("decode server private key: %w", genErr)
		}
		rel.ServerKeys = release.ServerKeysFromPrivate(priv)
		return nil
	case apierrors.IsNotFound(err):
		keys, genErr := release.GenerateServerKeys()
		if genErr != nil {
			return fmt.Errorf("generate server keypair: %w", genErr)
		}
		rel.ServerKeys = keys
		return nil
	default:
		return fmt.Errorf("get server secret: %w", err)
	}
}

// applyRelease server-side-applies the Router's resources in dependency
// order: the service account and role binding before the deployment
// that runs under them, the secret before the deployment that mounts
// it, and the service last since it only needs the deployment's labels.
func (r *NetworkReconciler) applyRelease(ctx context.Context, rel *release.RouterRelease) error {
	sa := rel.GenerateServiceAccount()
	if err := r.apply(ctx, sa); err != nil {
		return fmt.Errorf("apply service account: %w", err)
	}

	rb := rel.GenerateRoleBinding(sa)
	if err := r.apply(ctx, rb); err != nil {
		return fmt.Errorf("apply role binding: %w", err)
	}

	secret, err := rel.GenerateSecret()
	if err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	if err := r.apply(ctx, secret); err != nil {
		return fmt.Errorf("apply secret: %w", err)
	}

	deployment, err := rel.GenerateDeployment(secret, sa)
	if err != nil {
		return fmt.Errorf("generate deployment: %w", err)
	}
	if err := r.apply(ctx, deployment); err != nil {
		return fmt.Errorf("apply deployment: %w", err)
	}

	service, err := rel.GenerateService(deployment)
	if err != nil {
		return fmt.Errorf("generate service: %w", err)
	}
	if service != nil {
		if err := r.apply(ctx, service); err != nil {
			return fmt.Errorf("apply service: %w", err)
		}
	}

	return nil
}

func (r *NetworkReconciler) apply(ctx context.Context, obj client.Object) error {
	return r.Patch(ctx, obj, client.Apply, client.ForceOwnership, client.FieldOwner(NetworkFieldManager))
}

// patchDeployedStatus fills in the full status a successfully deployed
// Network reports: server public key, DNS passthrough, and the peer
// CIDR as the allowed-IPs range Tunnels should route through the
// Router.
func (r *NetworkReconciler) patchDeployedStatus(ctx context.Context, network *v1alpha1.Network, rel *release.RouterRelease) error {
	var dns string
	if rel.HasKubeDNS {
		dns = rel.KubeDNS.String()
	}
	patch := network.DeepCopy()
	patch.Status = v1alpha1.NetworkStatus{
		State:           v1alpha1.NetworkStateDeployed,
		ServerPublicKey: rel.ServerKeys.PublicKey.String(),
		DNS:             dns,
		AllowedIPs:      []string{rel.PeerCIDR.String()},
	}
	patch.ResourceVersion = ""
	patch.ManagedFields = nil

	return r.Status().Patch(ctx, patch, client.Apply, client.ForceOwnership, client.FieldOwner(NetworkFieldManager))
}

func (r *NetworkReconciler) patchNetworkStatus(ctx context.Context, network *v1alpha1.Network, state v1alpha1.NetworkState, publicKey string) error {
	patch := network.DeepCopy()
	patch.Status = v1alpha1.NetworkStatus{
		State:           state,
		ServerPublicKey: publicKey,
	}
	patch.ResourceVersion = ""
	patch.ManagedFields = nil

	return r.Status().Patch(ctx, patch, client.Apply, client.ForceOwnership, client.FieldOwner(NetworkFieldManager))
}

// errorToNetworkState maps a reconcile failure to the Network state a
// user should see, per the documented error table: release-validation
// failures surface as subnet/service errors, Kubernetes auth failures
// as insufficient permissions, everything else as unknown.
func errorToNetworkState(err error) v1alpha1.NetworkState {
	switch {
	case errors.Is(err, release.ErrRouterIPOutOfBounds):
		return v1alpha1.NetworkStateErrorSubnetConflict
	case errors.Is(err, release.ErrMissingServerKeys):
		return v1alpha1.NetworkStateErrorCreatingService
	case apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err):
		return v1alpha1.NetworkStateErrorInsufficientPermissions
	default:
		return v1alpha1.NetworkStateUnknownError
	}
}

func boolPtr(b bool) *bool { return &b }
