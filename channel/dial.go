// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
)

// Dial connects to the device at addr and returns a transport for it, using
// the terminator term. The address is interpreted by SplitAddress, except that
// an address naming a character device (such as a serial port) is opened
// directly with Open.
func Dial(ctx context.Context, addr, term string) (*IOTransport, error) {
	network, address := SplitAddress(addr)
	if network == "unix" {
		if fi, err := os.Stat(address); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
			return Open(address, term)
		}
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %q: %w", network, address, err)
	}
	return IO(conn, conn, term), nil
}

// Open opens the device file at path for reading and writing, and returns a
// transport for it using the terminator term. Line settings such as the baud
// rate of a serial port are not modified, and must be set up beforehand.
func Open(path, term string) (*IOTransport, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	return IO(f, f, term), nil
}

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
