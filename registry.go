package igd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// GetMapping fetches the table entry at index. Indexes past the end of the
// table report ErrNoSuchMapping; that is how the end is found.
func (c *Client) GetMapping(ctx context.Context, index int) (*Mapping, error) {
	args := []arg{{"NewPortMappingIndex", strconv.Itoa(index)}}
	f, err := c.call(ctx, "GetGenericPortMappingEntry", args,
		"NewExternalPort", "NewProtocol", "NewInternalPort",
		"NewInternalClient", "NewPortMappingDescription", "NewLeaseDuration")
	if err != nil {
		return nil, err
	}

	ext, err := parsePort(f["NewExternalPort"])
	if err != nil {
		return nil, fmt.Errorf("igd: entry %d: bad NewExternalPort %q", index, f["NewExternalPort"])
	}
	intPort, err := parsePort(f["NewInternalPort"])
	if err != nil {
		return nil, fmt.Errorf("igd: entry %d: bad NewInternalPort %q", index, f["NewInternalPort"])
	}
	lease, err := strconv.ParseUint(f["NewLeaseDuration"], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("igd: entry %d: bad NewLeaseDuration %q", index, f["NewLeaseDuration"])
	}

	return &Mapping{
		ExternalPort: ext,
		InternalIP:   f["NewInternalClient"],
		InternalPort: intPort,
		Protocol:     Protocol(f["NewProtocol"]),
		Description:  f["NewPortMappingDescription"], // optional; absent reads as ""
		Duration:     uint32(lease),
	}, nil
}

// Mappings walks the gateway's table from index zero until the gateway
// reports the end. N entries cost N+1 calls; the terminal error is the
// protocol's way of saying done, not a failure.
func (c *Client) Mappings(ctx context.Context) ([]*Mapping, error) {
	var out []*Mapping
	for i := 0; ; i++ {
		m, err := c.GetMapping(ctx, i)
		if errors.Is(err, ErrNoSuchMapping) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
}

// ExternalIP asks the gateway for its public address.
func (c *Client) ExternalIP(ctx context.Context) (string, error) {
	f, err := c.call(ctx, "GetExternalIPAddress", nil, "NewExternalIPAddress")
	if err != nil {
		return "", err
	}
	return f["NewExternalIPAddress"], nil
}

// DisableAll removes every entry in the gateway's table.
func (c *Client) DisableAll(ctx context.Context) error {
	all, err := c.Mappings(ctx)
	if err != nil {
		return err
	}
	for _, m := range all {
		if err := m.Disable(ctx, c); err != nil {
			return err
		}
	}
	c.log.Info("all mappings disabled", "n", len(all))
	return nil
}
