package igd

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// resolveControl fetches the device description at location and returns the
// absolute control URL of the first WAN connection service in it.
func (c *Client) resolveControl(ctx context.Context, location string) (*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceNotFound, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching description: %v", ErrServiceNotFound, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading description: %v", ErrServiceNotFound, err)
	}

	ctl, ok := controlPath(body)
	if !ok {
		return nil, fmt.Errorf("%w in %s", ErrServiceNotFound, location)
	}

	base, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceNotFound, err)
	}
	ref, err := url.Parse(ctl)
	if err != nil {
		return nil, fmt.Errorf("%w: bad controlURL %q", ErrServiceNotFound, ctl)
	}
	origin := &url.URL{Scheme: base.Scheme, Host: base.Host}
	return origin.ResolveReference(ref), nil
}

// controlPath scans the description for service elements in document order
// and returns the controlURL of the first one whose serviceType is a WAN
// connection variant.
func controlPath(description []byte) (string, bool) {
	d := xml.NewDecoder(bytes.NewReader(description))
	d.Strict = false

	var (
		inService bool
		field     string
		typ, ctl  strings.Builder
	)
	for {
		tok, err := d.Token()
		if err != nil {
			return "", false
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "service":
				inService = true
				typ.Reset()
				ctl.Reset()
			case "serviceType", "controlURL":
				if inService {
					field = t.Name.Local
				}
			}
		case xml.CharData:
			switch field {
			case "serviceType":
				typ.Write(t)
			case "controlURL":
				ctl.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "serviceType", "controlURL":
				field = ""
			case "service":
				inService = false
				field = ""
				if wanService(strings.TrimSpace(typ.String())) {
					path := strings.TrimSpace(ctl.String())
					return path, path != ""
				}
			}
		}
	}
}

// wanService matches on the second-to-last colon segment so that both
// urn:schemas-upnp-org:service:WANIPConnection:1 and the PPP variant (any
// version) qualify.
func wanService(serviceType string) bool {
	parts := strings.Split(serviceType, ":")
	if len(parts) < 2 {
		return false
	}
	switch parts[len(parts)-2] {
	case "WANIPConnection", "WANPPPConnection":
		return true
	}
	return false
}
