//go:build linux

package main

import (
	"log/slog"
	"os"
)

// Agent exit codes, documented per mode in the external-interfaces
// design: a pod's restart policy drives recovery off these, so a
// startup failure must exit promptly rather than retry in place.
const (
	exitMissingOrUnknownMode  = 1
	exitKubeClientInit        = 6
	exitReleaseFromEnv        = 7
	exitAllocatorSync         = 8
	exitMissingNetworkName    = 11
	exitMissingNetworkNS      = 12
	exitNetworkWatch          = 13
	exitNetworkNotFound       = 14
	exitRouterReleaseBuild    = 21
	exitRouterReleaseKeys     = 22
	exitRouterReleaseValidate = 23
)

// fatal logs err at the given message and terminates the process with
// code. Startup errors are not retried in place; the documented exit
// code lets the pod's restart policy decide what happens next.
func fatal(code int, msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(code)
}
