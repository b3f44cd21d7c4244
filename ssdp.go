package igd

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"
)

const ssdpTarget = "239.255.255.250:1900"

// mSearch is sent byte for byte; gateways are picky about the shape of
// this datagram.
const mSearch = "M-SEARCH * HTTP/1.1\r\n" +
	"Host:239.255.255.250:1900\r\n" +
	"ST:urn:schemas-upnp-org:device:InternetGatewayDevice:1\r\n" +
	"Man:\"ssdp:discover\"\r\n" +
	"MX:3\r\n"

// search multicasts one M-SEARCH probe and waits for a single reply. It
// returns the advertised description URL and the replying device's address.
func (c *Client) search(ctx context.Context) (string, netip.Addr, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return "", netip.Addr{}, fmt.Errorf("ssdp: %w", err)
	}
	defer conn.Close()

	dst, err := net.ResolveUDPAddr("udp4", c.ssdpAddr)
	if err != nil {
		return "", netip.Addr{}, fmt.Errorf("ssdp: %w", err)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", netip.Addr{}, err
	}

	if _, err := conn.WriteTo([]byte(mSearch), dst); err != nil {
		return "", netip.Addr{}, fmt.Errorf("ssdp: %w", err)
	}

	buf := make([]byte, 4096)
	n, from, err := conn.ReadFrom(buf)
	if err != nil {
		if ctx.Err() != nil {
			return "", netip.Addr{}, ctx.Err()
		}
		return "", netip.Addr{}, fmt.Errorf("%w after %v", ErrDiscoveryTimeout, c.timeout)
	}

	loc, ok := ssdpLocation(buf[:n])
	if !ok {
		return "", netip.Addr{}, fmt.Errorf("%w: reply from %v has no LOCATION", ErrDiscoveryTimeout, from)
	}
	addr := from.(*net.UDPAddr).AddrPort().Addr().Unmap()
	return loc, addr, nil
}

// ssdpLocation pulls the LOCATION header out of an SSDP reply. Lines are
// CRLF separated Name: value pairs; the status line has no colon-space pair
// worth matching and falls through.
func ssdpLocation(reply []byte) (string, bool) {
	for _, line := range strings.Split(string(reply), "\r\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "location") {
			return strings.TrimSpace(value), true
		}
	}
	return "", false
}
