//go:build linux

package main

import (
	"context"
	"errors"
	"net/netip"

	"github.com/spf13/cobra"
	toolscache "k8s.io/client-go/tools/cache"

	v1alpha1 "github.com/k8s-insider-dev/k8s-insider/api/v1alpha1"
	"github.com/k8s-insider-dev/k8s-insider/internal/networkmanager"
	"github.com/k8s-insider-dev/k8s-insider/internal/release"
	"github.com/k8s-insider-dev/k8s-insider/internal/router"
	"github.com/k8s-insider-dev/k8s-insider/internal/wireguard"
)

// routerInterface is the name of the local WireGuard interface the
// router mode brings up; routerMTU and routerPort match the values the
// generated Router Deployment and Service assume.
const (
	routerInterface = "wg-insider"
	routerMTU       = 1420
	routerPort      = 51820
)

func routerCmd() *cobra.Command {
	var dns string
	var search string
	var nat bool

	cmd := &cobra.Command{
		Use:   "router",
		Short: "Run the local WireGuard interface for one Network",
		RunE: func(cmd *cobra.Command, args []string) error {
			runRouter(cmd.Context(), dns, search, nat)
			return nil
		},
	}
	cmd.Flags().StringVar(&dns, "dns", "", "DNS address advertised to tunnels")
	cmd.Flags().StringVar(&search, "search", "", "DNS search domain advertised to tunnels")
	cmd.Flags().BoolVar(&nat, "nat", false, "Enable NAT for overlay traffic leaving through this router")
	return cmd
}

func runRouter(ctx context.Context, dns, search string, nat bool) {
	env, err := release.LoadControllerEnv()
	if err != nil {
		fatal(exitReleaseFromEnv, "load controller environment", err)
	}

	nmEnv, err := release.LoadNetworkManagerEnv()
	if err != nil {
		fatal(exitCodeForNetworkManagerEnv(err), "load network-manager environment", err)
	}

	scheme, err := newScheme()
	if err != nil {
		fatal(exitKubeClientInit, "build scheme", err)
	}

	directClient, err := newDirectClient(scheme)
	if err != nil {
		fatal(exitKubeClientInit, "init kubernetes client", err)
	}

	network, err := networkmanager.WaitForNetworkReady(ctx, directClient, nmEnv.NetworkName, nmEnv.NetworkNamespace)
	if err != nil {
		var watchErr *networkmanager.ErrNetworkWatch
		if errors.As(err, &watchErr) {
			fatal(exitNetworkWatch, "wait for network ready", err)
		}
		fatal(exitNetworkNotFound, "wait for network ready", err)
	}

	rel := buildRouterRelease(ctx, directClient, env, network)

	if err := wireguard.Configure(routerInterface, routerMTU, rel.ServerKeys.PrivateKey, routerPort,
		[]netip.Prefix{netip.PrefixFrom(rel.RouterIP, rel.PeerCIDR.Bits())}, nil, rel.RouterIP, rel.RouterIP); err != nil {
		fatal(exitKubeClientInit, "bring up wireguard interface", err)
	}

	if err := wireguard.WriteResolvConf(dns, search); err != nil {
		fatal(exitKubeClientInit, "write resolv.conf", err)
	}
	if nat {
		if err := wireguard.EnableMasquerade(rel.PeerCIDR); err != nil {
			fatal(exitKubeClientInit, "enable nat", err)
		}
	}

	mgr, err := newManager(scheme, nmEnv.NetworkNamespace)
	if err != nil {
		fatal(exitKubeClientInit, "init manager", err)
	}
	go func() {
		if err := mgr.Start(ctx); err != nil {
			fatal(exitKubeClientInit, "run manager", err)
		}
	}()
	if !mgr.GetCache().WaitForCacheSync(ctx) {
		fatal(exitKubeClientInit, "sync manager cache", errors.New("cache sync failed"))
	}

	device := wireguard.OpenDevice(routerInterface)
	refresh := make(chan struct{}, 1)
	signalRefresh := func() {
		select {
		case refresh <- struct{}{}:
		default:
		}
	}
	tunnelInformer, err := mgr.GetCache().GetInformer(ctx, &v1alpha1.Tunnel{})
	if err == nil {
		_, err = tunnelInformer.AddEventHandler(toolscache.ResourceEventHandlerFuncs{
			AddFunc: func(any) { signalRefresh() }, UpdateFunc: func(_, _ any) { signalRefresh() }, DeleteFunc: func(any) { signalRefresh() },
		})
	}
	if err != nil {
		fatal(exitKubeClientInit, "watch tunnels", err)
	}

	sync := &router.Synchronizer{
		Client:    mgr.GetClient(),
		Device:    device,
		Namespace: nmEnv.NetworkNamespace,
		Refresh:   refresh,
	}
	reflector := &router.ConnectionReflector{
		Client:    mgr.GetClient(),
		Device:    device,
		Namespace: nmEnv.NetworkNamespace,
	}

	errs := make(chan error, 2)
	go func() { errs <- sync.Run(ctx) }()
	go func() { errs <- reflector.Run(ctx) }()

	<-ctx.Done()
	<-errs
	<-errs
}
