package allocator

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Sentinel allocation failures. Reconcilers map these to CR states with
// errors.Is; never compare error strings.
var (
	ErrWgKeyConflict  = errors.New("public key already present in allocations")
	ErrIPConflict     = errors.New("address already allocated")
	ErrIPOutOfRange   = errors.New("address out of range")
	ErrRangeExhausted = errors.New("ip range exhausted")
	ErrInvalidRange   = errors.New("invalid peer address range")
	ErrNotIPv4        = errors.New("peer address range must be ipv4")
)

// KeyConflictError reports that key already holds an allocation.
type KeyConflictError struct {
	Key wgtypes.Key
}

func (e *KeyConflictError) Error() string {
	return fmt.Sprintf("public key %q is already present in the allocations table", e.Key.String())
}

func (e *KeyConflictError) Unwrap() error { return ErrWgKeyConflict }

// IPConflictError reports that ip is already reserved by another key.
type IPConflictError struct {
	IP netip.Addr
}

func (e *IPConflictError) Error() string {
	return fmt.Sprintf("address %s is already allocated", e.IP)
}

func (e *IPConflictError) Unwrap() error { return ErrIPConflict }

// IPOutOfRangeError reports that ip falls outside the allocator's range.
type IPOutOfRangeError struct {
	IP netip.Addr
}

func (e *IPOutOfRangeError) Error() string {
	return fmt.Sprintf("address %s is out of range", e.IP)
}

func (e *IPOutOfRangeError) Unwrap() error { return ErrIPOutOfRange }

// RangeExhaustedError reports that no free address remains.
type RangeExhaustedError struct{}

func (e *RangeExhaustedError) Error() string {
	return "the ip range for this network was exhausted"
}

func (e *RangeExhaustedError) Unwrap() error { return ErrRangeExhausted }
