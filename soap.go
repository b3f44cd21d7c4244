package igd

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
)

// serviceScheme is used for every action regardless of which WAN connection
// variant the description matched; PPP gateways accept it.
const serviceScheme = "urn:schemas-upnp-org:service:WANIPConnection:1"

const maxBody = 1 << 20

// arg is one named action argument. Order is kept as given; gateways
// validate arguments positionally.
type arg struct {
	name, value string
}

// soapEnvelope wraps an action fragment in a SOAP 1.1 envelope.
func soapEnvelope(action string, args []arg) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0"?>` + "\n")
	b.WriteString(`<s:Envelope s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/" xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">`)
	fmt.Fprintf(&b, `<s:Body><u:%s xmlns:u="%s">`, action, serviceScheme)
	for _, a := range args {
		fmt.Fprintf(&b, "<%s>%s</%s>", a.name, xmlEscape(a.value), a.name)
	}
	fmt.Fprintf(&b, `</u:%s></s:Body></s:Envelope>`, action)
	return b.Bytes()
}

func xmlEscape(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s)) // cannot fail on a bytes.Buffer
	return b.String()
}

// soapRequest posts one action to the control URL and hands back the raw
// response body. The HTTP status is deliberately ignored: gateways report
// SOAP faults with a 500 and the body is what matters. No retries, no
// interpretation.
func (c *Client) soapRequest(ctx context.Context, action string, args []arg) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.controlURL.String(), bytes.NewReader(soapEnvelope(action, args)))
	if err != nil {
		return nil, fmt.Errorf("soap %s: %w", action, err)
	}
	req.Header.Set("Content-Type", "text/xml")
	// exact spelling; Header.Set would canonicalize to Soapaction
	req.Header["SOAPAction"] = []string{serviceScheme + "#" + action}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("soap %s: %w", action, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("soap %s: reading response: %w", action, err)
	}
	return body, nil
}

// call runs one action and classifies the reply. When field names are given
// their first occurrences are extracted; a field the gateway omitted is
// simply absent from the map.
func (c *Client) call(ctx context.Context, action string, args []arg, fields ...string) (map[string]string, error) {
	body, err := c.soapRequest(ctx, action, args)
	if err != nil {
		return nil, err
	}
	if err := remoteError(action, body); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return xmlFields(body, fields...), nil
}
