// Package allocator assigns overlay IPv4 addresses to WireGuard
// public-key-identified peers within a Network's peer CIDR.
//
// An Allocator holds the full allocation state for exactly one Network
// in memory; it is never persisted. On process restart the owning
// Network-Manager rebuilds it by scanning Tunnel.status.address across
// the cluster (see the networkmanager package).
package allocator

import (
	"net/netip"
	"sync"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/k8s-insider-dev/k8s-insider/internal/check"
)

// Allocator hands out conflict-free addresses from a fixed IPv4 range.
// All exported methods are safe for concurrent use: read-only lookups
// take a shared lock, mutations take an exclusive one, and
// get-or-allocate/get-or-insert use double-checked locking so the common
// case (peer already allocated) never blocks on the exclusive lock.
type Allocator struct {
	mu          sync.RWMutex
	addrRange   netip.Prefix
	allocations map[wgtypes.Key]netip.Addr
	reserved    map[netip.Addr]struct{}
	cursor      *cursor
}

// New creates an Allocator over addrRange, which must be a valid IPv4
// prefix. The returned allocator starts empty; callers are expected to
// seed it (see networkmanager.SyncAllocations) before handing out new
// addresses.
func New(addrRange netip.Prefix) (*Allocator, error) {
	addrRange = addrRange.Masked()
	if !addrRange.IsValid() {
		return nil, ErrInvalidRange
	}
	if !addrRange.Addr().Is4() {
		return nil, ErrNotIPv4
	}

	return &Allocator{
		addrRange:   addrRange,
		allocations: make(map[wgtypes.Key]netip.Addr),
		reserved:    make(map[netip.Addr]struct{}),
		cursor:      newCursor(addrRange),
	}, nil
}

// IsInRange reports whether ip lies within the allocator's configured
// range.
func (a *Allocator) IsInRange(ip netip.Addr) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.isInRangeLocked(ip)
}

func (a *Allocator) isInRangeLocked(ip netip.Addr) bool {
	return a.addrRange.Contains(ip)
}

// TryInsert reserves ip for key. It fails with a *KeyConflictError if key
// already holds an allocation, a *IPConflictError if ip is already
// reserved, or a *IPOutOfRangeError if ip lies outside the range. On
// failure, state is unchanged.
func (a *Allocator) TryInsert(key wgtypes.Key, ip netip.Addr) (netip.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tryInsertLocked(key, ip)
}

func (a *Allocator) tryInsertLocked(key wgtypes.Key, ip netip.Addr) (netip.Addr, error) {
	if _, ok := a.allocations[key]; ok {
		return netip.Addr{}, &KeyConflictError{Key: key}
	}
	if _, ok := a.reserved[ip]; ok {
		return netip.Addr{}, &IPConflictError{IP: ip}
	}
	if !a.isInRangeLocked(ip) {
		return netip.Addr{}, &IPOutOfRangeError{IP: ip}
	}

	a.allocations[key] = ip
	a.reserved[ip] = struct{}{}
	check.Assertf(len(a.allocations) == len(a.reserved), "allocations/reserved diverged: %d != %d", len(a.allocations), len(a.reserved))
	return ip, nil
}

// TryAllocate picks a free address from the range and assigns it to key.
// It fails with a *KeyConflictError if key already holds an allocation,
// or a *RangeExhaustedError if every address in the range is reserved.
func (a *Allocator) TryAllocate(key wgtypes.Key) (netip.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tryAllocateLocked(key)
}

func (a *Allocator) tryAllocateLocked(key wgtypes.Key) (netip.Addr, error) {
	if _, ok := a.allocations[key]; ok {
		return netip.Addr{}, &KeyConflictError{Key: key}
	}

	count := a.cursor.addressCountValue()
	var ip netip.Addr
	allocated := false
	for i := uint64(0); i < count; i++ {
		ip = a.cursor.get()
		if _, taken := a.reserved[ip]; !taken {
			allocated = true
			break
		}
	}
	if !allocated {
		return netip.Addr{}, &RangeExhaustedError{}
	}

	a.allocations[key] = ip
	a.reserved[ip] = struct{}{}
	check.Assertf(len(a.allocations) == len(a.reserved), "allocations/reserved diverged: %d != %d", len(a.allocations), len(a.reserved))
	return ip, nil
}

// TryRemove releases whatever address key holds, if any.
func (a *Allocator) TryRemove(key wgtypes.Key) (netip.Addr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ip, ok := a.allocations[key]
	if !ok {
		return netip.Addr{}, false
	}
	delete(a.allocations, key)
	delete(a.reserved, ip)
	check.Assert(len(a.allocations) == len(a.reserved), "allocations/reserved diverged after remove")
	return ip, true
}

// GetOrAllocate returns key's existing address if any, otherwise
// allocates a new one. It double-checks under the exclusive lock so
// concurrent callers racing to allocate the same already-present key
// never allocate twice.
func (a *Allocator) GetOrAllocate(key wgtypes.Key) (netip.Addr, error) {
	a.mu.RLock()
	if ip, ok := a.allocations[key]; ok {
		a.mu.RUnlock()
		return ip, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if ip, ok := a.allocations[key]; ok {
		return ip, nil
	}
	return a.tryAllocateLocked(key)
}

// GetOrInsert returns key's existing address if any, otherwise inserts
// the address produced by ipFactory. ipFactory is only invoked if an
// allocation must actually be made.
func (a *Allocator) GetOrInsert(key wgtypes.Key, ipFactory func() netip.Addr) (netip.Addr, error) {
	a.mu.RLock()
	if ip, ok := a.allocations[key]; ok {
		a.mu.RUnlock()
		return ip, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if ip, ok := a.allocations[key]; ok {
		return ip, nil
	}
	return a.tryInsertLocked(key, ipFactory())
}

// Len reports the number of active allocations. Intended for tests and
// diagnostics.
func (a *Allocator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.allocations)
}
