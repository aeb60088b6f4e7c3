// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package checks

import (
	"context"
	"crypto/tls"
	"fmt"
)

// TransportCheck verifies the request arrived over an acceptable channel:
// TLS at or above the configured minimum version, with the secure-channel
// flag set by the transport layer.
type TransportCheck struct {
	// MinTLSVersion defaults to TLS 1.2 when zero.
	MinTLSVersion uint16
}

func (c *TransportCheck) Type() CheckType { return CheckTransport }

func (c *TransportCheck) Run(_ context.Context, _ Operation, reqCtx RequestContext) Result {
	minVersion := c.MinTLSVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	if !reqCtx.SecureChannel {
		return fail(CheckTransport, SeverityCritical,
			"request did not arrive over a secure channel",
			"route the client through the TLS-terminating gateway")
	}
	if reqCtx.TLSVersion < minVersion {
		return fail(CheckTransport, SeverityHigh,
			fmt.Sprintf("negotiated %s is below the required minimum %s",
				tlsVersionName(reqCtx.TLSVersion), tlsVersionName(minVersion)),
			"upgrade the client TLS stack")
	}
	return pass(CheckTransport, fmt.Sprintf("secure channel, %s", tlsVersionName(reqCtx.TLSVersion)))
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("unknown TLS version 0x%04x", v)
	}
}

var _ Check = (*TransportCheck)(nil)
