// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"net"
	"strings"
)

// isLoopbackHost checks if the hostname is a loopback address per RFC 8252
// Section 7.3. Valid loopback hosts are:
//   - "127.0.0.1" (IPv4 loopback)
//   - "::1" (IPv6 loopback, typically written as "[::1]" in URLs)
//   - "localhost"
//
// Note this is used only at registration time to decide whether a public
// client's redirect URI is acceptable over plain http. Redirect matching
// itself stays exact: a registered loopback URI with port 8080 does not
// match a request with port 8081.
func isLoopbackHost(hostname string) bool {
	// Check for localhost (case-insensitive per RFC)
	if strings.EqualFold(hostname, "localhost") {
		return true
	}

	// Check for IP loopback addresses (127.0.0.1 or ::1)
	ip := net.ParseIP(hostname)
	if ip != nil && ip.IsLoopback() {
		return true
	}

	return false
}
