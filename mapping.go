package igd

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Protocol is the transport protocol of a mapping.
type Protocol string

const (
	TCP Protocol = "TCP"
	UDP Protocol = "UDP"
)

// normalize folds case and rejects anything that isn't TCP or UDP.
func (p Protocol) normalize() (Protocol, error) {
	switch strings.ToUpper(string(p)) {
	case string(TCP):
		return TCP, nil
	case string(UDP):
		return UDP, nil
	}
	return "", &ValidationError{Field: "protocol", Reason: fmt.Sprintf("must be TCP or UDP, not %q", string(p))}
}

// IANA dynamic/private range, used when a port has to be made up.
const (
	dynamicPortMin = 49152
	dynamicPortMax = 65535
)

// default lease of one week, in seconds
const defaultLease = 604800

// Mapping declares one NAT port mapping. The zero value of a field means
// unset; Enable resolves every unset field to a usable default, so the zero
// Mapping is itself valid and maps an automatically chosen port. Note this
// makes a zero Duration mean the default lease, not a permanent one.
//
// After a successful Enable the mapping remembers the resolved values, and
// Disable and Refresh fall back to them when the declared fields don't name
// a target on their own.
type Mapping struct {
	ExternalPort uint16   // gateway-side port
	InternalIP   string   // LAN host the traffic is sent to
	InternalPort uint16   // port on the LAN host
	Protocol     Protocol // TCP or UDP, any case
	Description  string   // free-form label shown in the gateway's table
	Duration     uint32   // lease seconds

	resolved *mappingValues
}

// mappingValues is a fully resolved parameter set, ready for the wire.
type mappingValues struct {
	externalPort uint16
	internalIP   string
	internalPort uint16
	protocol     Protocol
	description  string
	duration     uint32
}

// Response is the snapshot handed back by a successful Enable or Refresh.
type Response struct {
	ExternalIP   string
	ExternalPort uint16
	InternalIP   string
	InternalPort uint16
	Protocol     Protocol
	Description  string
	Duration     uint32
}

func (r *Response) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d/%s (%q, %ds)",
		r.ExternalIP, r.ExternalPort, r.InternalIP, r.InternalPort, r.Protocol, r.Description, r.Duration)
}

// resolve validates the declared fields and fills in every unset one. It is
// the only place defaults come from. The external port is the one default
// that costs a round trip (the reserve probe); validation always runs before
// any traffic.
func (m *Mapping) resolve(ctx context.Context, c *Client) (*mappingValues, error) {
	proto := TCP
	if m.Protocol != "" {
		var err error
		if proto, err = m.Protocol.normalize(); err != nil {
			return nil, err
		}
	}

	v := &mappingValues{
		externalPort: m.ExternalPort,
		internalIP:   m.InternalIP,
		internalPort: m.InternalPort,
		protocol:     proto,
		description:  m.Description,
		duration:     m.Duration,
	}
	if v.duration == 0 {
		v.duration = defaultLease
	}

	if v.externalPort == 0 {
		port, err := c.OpenExternalPort(ctx)
		if err != nil {
			return nil, err
		}
		v.externalPort = port
	}

	var local string
	if v.internalIP == "" || v.internalPort == 0 {
		addr, err := c.LocalIP()
		if err != nil {
			return nil, err
		}
		local = addr.String()
	}
	if v.internalIP == "" {
		v.internalIP = local
	}
	if v.internalPort == 0 {
		if v.internalIP == local {
			port, err := OpenLocalPort()
			if err != nil {
				return nil, err
			}
			v.internalPort = port
		} else {
			// not our host, so no socket to bind; pick blind
			v.internalPort = randomDynamicPort()
		}
	}
	return v, nil
}

// Enable registers the mapping with the gateway. Unset fields are resolved
// first (see Mapping); on success it queries the external address and
// returns the full snapshot.
func (m *Mapping) Enable(ctx context.Context, c *Client) (*Response, error) {
	v, err := m.resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	return m.enable(ctx, c, v)
}

func (m *Mapping) enable(ctx context.Context, c *Client, v *mappingValues) (*Response, error) {
	args := []arg{
		{"NewRemoteHost", ""},
		{"NewExternalPort", strconv.Itoa(int(v.externalPort))},
		{"NewProtocol", string(v.protocol)},
		{"NewInternalPort", strconv.Itoa(int(v.internalPort))},
		{"NewInternalClient", v.internalIP},
		{"NewEnabled", "1"},
		{"NewPortMappingDescription", v.description},
		{"NewLeaseDuration", strconv.FormatUint(uint64(v.duration), 10)},
	}
	log := c.log.WithValues(
		"external", fmt.Sprintf(":%d/%s", v.externalPort, v.protocol),
		"internal", fmt.Sprintf("%s:%d/%s", v.internalIP, v.internalPort, v.protocol),
	)
	if _, err := c.call(ctx, "AddPortMapping", args); err != nil {
		log.Error(err, "mapping failed")
		return nil, err
	}
	// the router holds the mapping from here on; keep the resolved values
	// so Disable can still address it if anything below fails
	m.resolved = v
	extIP, err := c.ExternalIP(ctx)
	if err != nil {
		return nil, err
	}
	log.Info("mapping enabled", "lease", v.duration)
	return &Response{
		ExternalIP:   extIP,
		ExternalPort: v.externalPort,
		InternalIP:   v.internalIP,
		InternalPort: v.internalPort,
		Protocol:     v.protocol,
		Description:  v.description,
		Duration:     v.duration,
	}, nil
}

// Disable removes the mapping from the gateway. The target is the declared
// external port and protocol, or the ones resolved by a prior Enable; with
// neither known there is nothing to address and Disable fails locally.
// Disabling a mapping the gateway doesn't have reports ErrNoSuchMapping.
func (m *Mapping) Disable(ctx context.Context, c *Client) error {
	port, proto, err := m.target()
	if err != nil {
		return err
	}
	return c.deleteMapping(ctx, port, proto)
}

// target picks the external port and protocol Disable acts on.
func (m *Mapping) target() (uint16, Protocol, error) {
	port, proto := m.ExternalPort, m.Protocol
	if m.resolved != nil {
		if port == 0 {
			port = m.resolved.externalPort
		}
		if proto == "" {
			proto = m.resolved.protocol
		}
	}
	if port == 0 {
		return 0, "", &ValidationError{Field: "external port", Reason: "must be specified"}
	}
	if proto == "" {
		return 0, "", &ValidationError{Field: "protocol", Reason: "must be specified"}
	}
	p, err := proto.normalize()
	if err != nil {
		return 0, "", err
	}
	return port, p, nil
}

// Refresh re-registers the mapping: a disable followed by an enable with the
// same resolved values. The two calls are independent; the gateway may hand
// the port to someone else in between.
func (m *Mapping) Refresh(ctx context.Context, c *Client) (*Response, error) {
	if err := m.Disable(ctx, c); err != nil {
		return nil, err
	}
	if m.resolved != nil {
		return m.enable(ctx, c, m.resolved)
	}
	return m.Enable(ctx, c)
}

// DisableMatching walks the gateway's table and disables every entry that
// shares at least one set field with this mapping. Each field is compared
// on its own, so a mapping declaring only a description takes out every
// entry with that description regardless of ports. Unset fields never
// match.
func (m *Mapping) DisableMatching(ctx context.Context, c *Client) error {
	all, err := c.Mappings(ctx)
	if err != nil {
		return err
	}
	n := 0
	for _, cand := range all {
		if !m.matches(cand) {
			continue
		}
		if err := cand.Disable(ctx, c); err != nil {
			return err
		}
		n++
	}
	c.log.Info("matching mappings disabled", "n", n)
	return nil
}

func (m *Mapping) matches(o *Mapping) bool {
	return m.ExternalPort != 0 && m.ExternalPort == o.ExternalPort ||
		m.InternalIP != "" && m.InternalIP == o.InternalIP ||
		m.InternalPort != 0 && m.InternalPort == o.InternalPort ||
		m.Protocol != "" && strings.EqualFold(string(m.Protocol), string(o.Protocol)) ||
		m.Description != "" && m.Description == o.Description ||
		m.Duration != 0 && m.Duration == o.Duration
}

// deleteMapping is shared by Disable, DisableAll and the reserve probe.
func (c *Client) deleteMapping(ctx context.Context, port uint16, proto Protocol) error {
	args := []arg{
		{"NewRemoteHost", ""},
		{"NewExternalPort", strconv.Itoa(int(port))},
		{"NewProtocol", string(proto)},
	}
	if _, err := c.call(ctx, "DeletePortMapping", args); err != nil {
		return err
	}
	c.log.Info("mapping disabled", "external", port, "protocol", proto)
	return nil
}

// OpenExternalPort asks the gateway for a currently free external port by
// reserving one with AddAnyPortMapping and releasing it right away. The
// answer is only a hint: anybody may take the port between the release and
// whatever the caller does with it.
func (c *Client) OpenExternalPort(ctx context.Context) (uint16, error) {
	local, err := c.LocalIP()
	if err != nil {
		return 0, err
	}
	localPort, err := OpenLocalPort()
	if err != nil {
		return 0, err
	}
	args := []arg{
		{"NewRemoteHost", ""},
		{"NewExternalPort", strconv.Itoa(int(randomDynamicPort()))},
		{"NewProtocol", string(TCP)},
		{"NewInternalPort", strconv.Itoa(int(localPort))},
		{"NewInternalClient", local.String()},
		{"NewEnabled", "1"},
		{"NewPortMappingDescription", ""},
		{"NewLeaseDuration", "0"},
	}
	f, err := c.call(ctx, "AddAnyPortMapping", args, "NewReservedPort")
	if err != nil {
		return 0, err
	}
	reserved, err := parsePort(f["NewReservedPort"])
	if err != nil {
		return 0, fmt.Errorf("igd: AddAnyPortMapping: bad NewReservedPort %q", f["NewReservedPort"])
	}
	if err := c.deleteMapping(ctx, reserved, TCP); err != nil {
		return 0, err
	}
	c.log.Info("external port reserved", "port", reserved)
	return reserved, nil
}

// LocalIP returns the address of the local interface that routes to the
// gateway. Connecting a UDP socket resolves the source address without
// sending anything.
func (c *Client) LocalIP() (netip.Addr, error) {
	if !c.gateway.IsValid() {
		return netip.Addr{}, fmt.Errorf("igd: gateway address unknown")
	}
	conn, err := net.Dial("udp4", net.JoinHostPort(c.gateway.String(), "1900"))
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap(), nil
}

// OpenLocalPort binds a TCP listener on port 0, reports the port the kernel
// picked and releases it.
func OpenLocalPort() (uint16, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return uint16(l.Addr().(*net.TCPAddr).Port), nil
}

func randomDynamicPort() uint16 {
	return uint16(dynamicPortMin + rand.Intn(dynamicPortMax-dynamicPortMin+1))
}
