// Package igd manages NAT port mappings on UPnP Internet Gateway Devices:
// discover the gateway over SSDP, then create, remove, refresh and list
// mappings through its WAN connection service.
package igd

import (
	"context"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/go-logr/logr"
)

// DefaultTimeout is how long Discover waits for an SSDP reply.
const DefaultTimeout = 3 * time.Second

// Client is a handle to one gateway's WAN connection service, valid for the
// life of the process. It drives a single synchronous flow; methods must
// not be called concurrently. The client logs what it does and returns what
// the gateway said, nothing more: retries and policy belong to the caller.
type Client struct {
	gateway    netip.Addr
	location   string
	controlURL *url.URL

	http     *http.Client
	log      logr.Logger
	timeout  time.Duration
	ssdpAddr string
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the SSDP discovery timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient replaces the HTTP client used for description fetches and
// SOAP calls. This is the supported way to put a deadline on gateway calls;
// the default client applies none beyond the context's.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the sink for the client's log events.
func WithLogger(log logr.Logger) Option {
	return func(c *Client) { c.log = log }
}

func newClient(opts ...Option) *Client {
	c := &Client{
		http:     http.DefaultClient,
		log:      logr.Discard(),
		timeout:  DefaultTimeout,
		ssdpAddr: ssdpTarget,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Discover finds the gateway on the local network and resolves its control
// endpoint. The first device to answer the SSDP probe wins.
func Discover(ctx context.Context, opts ...Option) (*Client, error) {
	return discover(ctx, newClient(opts...))
}

func discover(ctx context.Context, c *Client) (*Client, error) {
	loc, gw, err := c.search(ctx)
	if err != nil {
		return nil, err
	}
	c.gateway = gw
	c.log.Info("gateway detected", "addr", gw, "location", loc)
	if err := c.attach(ctx, loc); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect attaches to a gateway whose description URL is already known,
// skipping discovery. The gateway's LAN address is taken from the URL host;
// if that is not a literal IP, defaults that depend on it (automatic
// internal address and port) are unavailable.
func Connect(ctx context.Context, location string, opts ...Option) (*Client, error) {
	c := newClient(opts...)
	if u, err := url.Parse(location); err == nil {
		if addr, err := netip.ParseAddr(u.Hostname()); err == nil {
			c.gateway = addr.Unmap()
		}
	}
	if err := c.attach(ctx, location); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) attach(ctx context.Context, location string) error {
	ctl, err := c.resolveControl(ctx, location)
	if err != nil {
		return err
	}
	c.location = location
	c.controlURL = ctl
	c.log.Info("control endpoint resolved", "url", ctl)
	return nil
}

// Gateway returns the gateway's LAN address.
func (c *Client) Gateway() netip.Addr { return c.gateway }

// Location returns the device description URL the client attached to. It
// can be fed back to Connect to reattach without another discovery.
func (c *Client) Location() string { return c.location }
