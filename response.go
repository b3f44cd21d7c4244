package igd

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"
)

// remoteError reports whether a response body carries an errorDescription
// element, meaning the action failed. The text is classified here, exactly
// once; an empty text still counts as a failure.
func remoteError(action string, body []byte) error {
	f := xmlFields(body, "errorDescription")
	desc, found := f["errorDescription"]
	if !found {
		return nil
	}
	kind := kindAction
	if desc == noSuchMappingText {
		kind = kindNoSuchMapping
	}
	return &RemoteError{Action: action, Description: desc, kind: kind}
}

// xmlFields returns the first text content of each named element, matching
// on local names so namespace prefixes don't matter. Values are trimmed.
// Gateways emit all sorts of almost-XML, so the decoder runs non-strict and
// a parse error just ends the scan.
func xmlFields(doc []byte, names ...string) map[string]string {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := make(map[string]string, len(names))

	d := xml.NewDecoder(bytes.NewReader(doc))
	d.Strict = false

	var (
		cur string
		buf strings.Builder
	)
	for {
		tok, err := d.Token()
		if err != nil {
			return out
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if _, done := out[t.Name.Local]; want[t.Name.Local] && !done {
				cur = t.Name.Local
				buf.Reset()
			}
		case xml.CharData:
			if cur != "" {
				buf.Write(t)
			}
		case xml.EndElement:
			if cur != "" && t.Name.Local == cur {
				out[cur] = strings.TrimSpace(buf.String())
				cur = ""
			}
		}
	}
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}
