//go:build linux

package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// hardenProcess keeps key material out of swap and crash dumps.
// SECURITY: call before any secret is loaded.
func hardenProcess(devMode bool) {
	if devMode {
		log.Warn().Msg("SECURITY WARNING: Running in dev mode, process hardening skipped")
		return
	}

	if os.Geteuid() == 0 {
		log.Warn().Msg("SECURITY WARNING: Running as root is not recommended")
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		log.Warn().Err(err).Msg("Failed to set no_new_privs")
	}

	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: 0, Max: 0}); err != nil {
		log.Warn().Err(err).Msg("Failed to disable core dumps")
	}

	// Needs RLIMIT_MEMLOCK headroom; commonly fails under default ulimits.
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		log.Warn().Err(err).Msg("Failed to lock memory (mlockall)")
	} else {
		log.Info().Msg("Memory locked (mlockall)")
	}
}

// verifyHardening reports whether core dumps are still disabled.
func verifyHardening() error {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_CORE, &rlim); err != nil {
		return fmt.Errorf("cannot check RLIMIT_CORE: %w", err)
	}
	if rlim.Cur != 0 || rlim.Max != 0 {
		return fmt.Errorf("SECURITY VIOLATION: core dumps are enabled")
	}
	return nil
}
