// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build !(linux || darwin || freebsd)

package tcp

import "net"

// SO_REUSEPORT is not available; the flag is ignored.
func listenConfig(bool) net.ListenConfig {
	return net.ListenConfig{}
}
