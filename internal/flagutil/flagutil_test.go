// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package flagutil

import "testing"

func TestEnvVar(t *testing.T) {
	for name, want := range map[string]string{
		"log-level":   "FLEETNET_LOG_LEVEL",
		"admin.addr":  "FLEETNET_ADMIN_ADDR",
		"chunk--size": "FLEETNET_CHUNK_SIZE",
	} {
		if got := EnvVar(name); got != want {
			t.Errorf("EnvVar(%q): got %q, want %q", name, got, want)
		}
	}
}
