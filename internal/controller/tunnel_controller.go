package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	v1alpha1 "github.com/k8s-insider-dev/k8s-insider/api/v1alpha1"
	"github.com/k8s-insider-dev/k8s-insider/internal/allocator"
)

// TunnelFieldManager is the server-side-apply identity the Tunnel
// reconciler writes under.
const TunnelFieldManager = "k8s-insider-network-manager"

// TunnelFinalizer is removed once cleanup has released the tunnel's
// allocation.
const TunnelFinalizer = "tunnels.k8s-insider.dev/cleanup"

const (
	tunnelSuccessRequeue   = 5 * time.Minute
	tunnelUserErrRequeue   = 5 * time.Minute
	tunnelSystemErrRequeue = 10 * time.Second
)

// TunnelReconciler assigns one allocator address per Tunnel and
// releases it on deletion. One reconciler instance serves exactly one
// Network, matching the network-manager agent mode's scope: Network
// filters out Tunnels belonging to any other Network sharing the same
// namespace.
type TunnelReconciler struct {
	client.Client
	Scheme *runtime.Scheme

	Allocator *allocator.Allocator
	Tracer    trace.Tracer
	Network   string

	// ServerPublicKey is the Router's WireGuard public key, written
	// into Tunnel.status.serverPublicKey so peers don't need a
	// separate lookup against the owning Network.
	ServerPublicKey string
}

func (r *TunnelReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Tunnel{}).
		Complete(r)
}

func (r *TunnelReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	ctx, span := r.Tracer.Start(ctx, "tunnel.reconcile")
	defer span.End()

	log := slog.With("tunnel", req.NamespacedName.String())

	var tunnel v1alpha1.Tunnel
	if err := r.Get(ctx, req.NamespacedName, &tunnel); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	if r.Network != "" && tunnel.Spec.Network != r.Network {
		return ctrl.Result{}, nil
	}

	if !tunnel.DeletionTimestamp.IsZero() {
		return r.cleanup(ctx, &tunnel, log)
	}

	if controllerutil.AddFinalizer(&tunnel, TunnelFinalizer) {
		if err := r.Update(ctx, &tunnel); err != nil {
			return ctrl.Result{}, fmt.Errorf("add finalizer: %w", err)
		}
		return ctrl.Result{Requeue: true}, nil
	}

	err := r.apply(ctx, &tunnel)
	if err == nil {
		log.Debug("tunnel reconciled", "address", tunnel.Status.Address)
		return ctrl.Result{RequeueAfter: tunnelSuccessRequeue}, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	state := errorToTunnelState(err)
	tunnel.Status.State = state
	if statusErr := r.Status().Patch(ctx, &tunnel, client.Apply, client.ForceOwnership, client.FieldOwner(TunnelFieldManager)); statusErr != nil {
		log.Warn("failed to patch error status", "err", statusErr)
	}

	log.Warn("tunnel reconcile failed", "err", err, "state", state)
	return ctrl.Result{RequeueAfter: requeueForTunnelError(err)}, nil
}

// apply parses the peer key, assigns an address if one isn't already
// recorded, and patches status. Skips allocation entirely when
// status.address is already set, matching the "at most once per
// object" allocation contract.
func (r *TunnelReconciler) apply(ctx context.Context, tunnel *v1alpha1.Tunnel) error {
	key, err := allocatorKey(tunnel.Spec.PeerPublicKey)
	if err != nil {
		return fmt.Errorf("invalid peer public key: %w", err)
	}

	if tunnel.Status.Address == "" {
		var ip netip.Addr
		if tunnel.Spec.StaticIP != "" {
			staticIP, parseErr := netip.ParseAddr(tunnel.Spec.StaticIP)
			if parseErr != nil {
				return fmt.Errorf("invalid static ip: %w", parseErr)
			}
			ip, err = r.Allocator.GetOrInsert(key, func() netip.Addr { return staticIP })
		} else {
			ip, err = r.Allocator.GetOrAllocate(key)
		}
		if err != nil {
			return err
		}
		tunnel.Status.Address = ip.String()
	}

	tunnel.Status.ServerPublicKey = r.ServerPublicKey
	tunnel.Status.State = v1alpha1.TunnelStateConfigured
	return r.Status().Patch(ctx, tunnel, client.Apply, client.ForceOwnership, client.FieldOwner(TunnelFieldManager))
}

// cleanup releases the tunnel's allocation, if any, and removes the
// finalizer. An unparseable public key does not block deletion: the
// resource is unrecoverable either way.
func (r *TunnelReconciler) cleanup(ctx context.Context, tunnel *v1alpha1.Tunnel, log *slog.Logger) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(tunnel, TunnelFinalizer) {
		return ctrl.Result{}, nil
	}

	key, err := allocatorKey(tunnel.Spec.PeerPublicKey)
	if err != nil {
		log.Warn("cleanup: invalid peer public key, releasing nothing", "err", err)
	} else {
		r.Allocator.TryRemove(key)
	}

	controllerutil.RemoveFinalizer(tunnel, TunnelFinalizer)
	if err := r.Update(ctx, tunnel); err != nil {
		return ctrl.Result{}, fmt.Errorf("remove finalizer: %w", err)
	}
	return ctrl.Result{}, nil
}

func allocatorKey(peerPublicKeyB64 string) (wgtypes.Key, error) {
	return wgtypes.ParseKey(peerPublicKeyB64)
}

// errorToTunnelState maps an allocator failure to the Tunnel state a
// user should see.
func errorToTunnelState(err error) v1alpha1.TunnelState {
	switch {
	case errors.Is(err, allocator.ErrWgKeyConflict):
		return v1alpha1.TunnelStateErrorPublicKeyConflict
	case errors.Is(err, allocator.ErrIPConflict):
		return v1alpha1.TunnelStateErrorIPAlreadyInUse
	case errors.Is(err, allocator.ErrIPOutOfRange):
		return v1alpha1.TunnelStateErrorIPOutOfRange
	case errors.Is(err, allocator.ErrRangeExhausted):
		return v1alpha1.TunnelStateErrorIPRangeExhausted
	default:
		return v1alpha1.TunnelStateErrorCreatingTunnel
	}
}

// requeueForTunnelError distinguishes user-caused allocation conflicts
// (requeue slowly; the user must change the CR) from exhaustion and
// other system errors (requeue quickly; the situation may resolve on
// its own as other tunnels are torn down).
func requeueForTunnelError(err error) time.Duration {
	switch {
	case errors.Is(err, allocator.ErrWgKeyConflict),
		errors.Is(err, allocator.ErrIPConflict),
		errors.Is(err, allocator.ErrIPOutOfRange):
		return tunnelUserErrRequeue
	default:
		return tunnelSystemErrRequeue
	}
}
