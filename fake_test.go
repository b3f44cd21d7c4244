package igd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeIGD is an in-memory gateway: a device description endpoint plus a
// WANIPConnection control endpoint over a mapping table. It records every
// action it is asked to perform.
type fakeIGD struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	entries      []fakeEntry
	actions      []string // SOAPAction names in arrival order
	extIP        string
	omitDesc     bool   // omit NewPortMappingDescription from entries
	bumpReserved bool   // grant a different port than requested
	failExtIP    bool   // fault GetExternalIPAddress
	lastReserved uint16 // what AddAnyPortMapping last granted
}

type fakeEntry struct {
	externalPort uint16
	protocol     string
	internalPort uint16
	internalIP   string
	description  string
	duration     uint32
}

const fakeDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <deviceType>urn:schemas-upnp-org:device:InternetGatewayDevice:1</deviceType>
    <friendlyName>fake gateway</friendlyName>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:Layer3Forwarding:1</serviceType>
        <controlURL>/ctl/L3F</controlURL>
      </service>
    </serviceList>
    <deviceList>
      <device>
        <deviceType>urn:schemas-upnp-org:device:WANDevice:1</deviceType>
        <deviceList>
          <device>
            <deviceType>urn:schemas-upnp-org:device:WANConnectionDevice:1</deviceType>
            <serviceList>
              <service>
                <serviceType>urn:schemas-upnp-org:service:WANIPConnection:1</serviceType>
                <controlURL>/ctl</controlURL>
              </service>
            </serviceList>
          </device>
        </deviceList>
      </device>
    </deviceList>
  </device>
</root>`

func newFakeIGD(t *testing.T) *fakeIGD {
	f := &fakeIGD{t: t, extIP: "203.0.113.9"}
	mux := http.NewServeMux()
	mux.HandleFunc("/rootDesc.xml", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, fakeDescription)
	})
	mux.HandleFunc("/ctl", f.control)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIGD) location() string { return f.srv.URL + "/rootDesc.xml" }

func (f *fakeIGD) connect(t *testing.T, opts ...Option) *Client {
	c, err := Connect(context.Background(), f.location(), opts...)
	require.NoError(t, err)
	return c
}

func (f *fakeIGD) control(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if ct := r.Header.Get("Content-Type"); ct != "text/xml" {
		f.t.Errorf("Content-Type = %q, want text/xml", ct)
	}
	_, action, ok := strings.Cut(r.Header.Get("SOAPAction"), "#")
	if !ok {
		f.t.Errorf("SOAPAction = %q, want scheme#action", r.Header.Get("SOAPAction"))
	}
	action = strings.Trim(action, `"`)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)

	switch action {
	case "AddPortMapping":
		f.addPortMapping(w, body)
	case "DeletePortMapping":
		f.deletePortMapping(w, body)
	case "AddAnyPortMapping":
		f.addAnyPortMapping(w, body)
	case "GetGenericPortMappingEntry":
		f.getEntry(w, body)
	case "GetExternalIPAddress":
		if f.failExtIP {
			f.fault(w, "ActionFailed")
			return
		}
		f.respond(w, action, "<NewExternalIPAddress>"+f.extIP+"</NewExternalIPAddress>")
	default:
		f.fault(w, "InvalidAction")
	}
}

// reqField pulls one argument out of a request body, independently of the
// decoder under test.
func reqField(body []byte, name string) string {
	re := regexp.MustCompile("<" + name + ">(.*?)</" + name + ">")
	m := re.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return string(m[1])
}

func reqPort(body []byte, name string) uint16 {
	n, _ := strconv.Atoi(reqField(body, name))
	return uint16(n)
}

func (f *fakeIGD) entryAt(port uint16, proto string) int {
	for i, e := range f.entries {
		if e.externalPort == port && e.protocol == proto {
			return i
		}
	}
	return -1
}

func (f *fakeIGD) addPortMapping(w http.ResponseWriter, body []byte) {
	dur, _ := strconv.ParseUint(reqField(body, "NewLeaseDuration"), 10, 32)
	e := fakeEntry{
		externalPort: reqPort(body, "NewExternalPort"),
		protocol:     reqField(body, "NewProtocol"),
		internalPort: reqPort(body, "NewInternalPort"),
		internalIP:   reqField(body, "NewInternalClient"),
		description:  reqField(body, "NewPortMappingDescription"),
		duration:     uint32(dur),
	}
	if enabled := reqField(body, "NewEnabled"); enabled != "1" {
		f.t.Errorf("NewEnabled = %q, want 1", enabled)
	}
	if i := f.entryAt(e.externalPort, e.protocol); i >= 0 {
		f.entries[i] = e
	} else {
		f.entries = append(f.entries, e)
	}
	f.respond(w, "AddPortMapping", "")
}

func (f *fakeIGD) deletePortMapping(w http.ResponseWriter, body []byte) {
	i := f.entryAt(reqPort(body, "NewExternalPort"), reqField(body, "NewProtocol"))
	if i < 0 {
		f.fault(w, "SpecifiedArrayIndexInvalid")
		return
	}
	f.entries = append(f.entries[:i], f.entries[i+1:]...)
	f.respond(w, "DeletePortMapping", "")
}

func (f *fakeIGD) addAnyPortMapping(w http.ResponseWriter, body []byte) {
	reserved := reqPort(body, "NewExternalPort")
	if f.bumpReserved || f.entryAt(reserved, reqField(body, "NewProtocol")) >= 0 {
		if reserved < 65535 {
			reserved++
		} else {
			reserved--
		}
	}
	dur, _ := strconv.ParseUint(reqField(body, "NewLeaseDuration"), 10, 32)
	f.entries = append(f.entries, fakeEntry{
		externalPort: reserved,
		protocol:     reqField(body, "NewProtocol"),
		internalPort: reqPort(body, "NewInternalPort"),
		internalIP:   reqField(body, "NewInternalClient"),
		description:  reqField(body, "NewPortMappingDescription"),
		duration:     uint32(dur),
	})
	f.lastReserved = reserved
	f.respond(w, "AddAnyPortMapping", fmt.Sprintf("<NewReservedPort>%d</NewReservedPort>", reserved))
}

func (f *fakeIGD) getEntry(w http.ResponseWriter, body []byte) {
	idx, err := strconv.Atoi(reqField(body, "NewPortMappingIndex"))
	if err != nil || idx < 0 || idx >= len(f.entries) {
		f.fault(w, "SpecifiedArrayIndexInvalid")
		return
	}
	e := f.entries[idx]
	var b strings.Builder
	fmt.Fprintf(&b, "<NewRemoteHost></NewRemoteHost>")
	fmt.Fprintf(&b, "<NewExternalPort>%d</NewExternalPort>", e.externalPort)
	fmt.Fprintf(&b, "<NewProtocol>%s</NewProtocol>", e.protocol)
	fmt.Fprintf(&b, "<NewInternalPort>%d</NewInternalPort>", e.internalPort)
	fmt.Fprintf(&b, "<NewInternalClient>%s</NewInternalClient>", e.internalIP)
	fmt.Fprintf(&b, "<NewEnabled>1</NewEnabled>")
	if !f.omitDesc {
		fmt.Fprintf(&b, "<NewPortMappingDescription>%s</NewPortMappingDescription>", e.description)
	}
	fmt.Fprintf(&b, "<NewLeaseDuration>%d</NewLeaseDuration>", e.duration)
	f.respond(w, "GetGenericPortMappingEntry", b.String())
}

func (f *fakeIGD) respond(w http.ResponseWriter, action, inner string) {
	fmt.Fprintf(w, `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><u:%sResponse xmlns:u="%s">%s</u:%sResponse></s:Body></s:Envelope>`,
		action, serviceScheme, inner, action)
}

// fault answers the way real gateways do: HTTP 500 with the error inside.
func (f *fakeIGD) fault(w http.ResponseWriter, desc string) {
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring><detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>713</errorCode><errorDescription>%s</errorDescription></UPnPError></detail></s:Fault></s:Body></s:Envelope>`, desc)
}

func (f *fakeIGD) seed(entries ...fakeEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entries...)
}

func (f *fakeIGD) table() []fakeEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeEntry(nil), f.entries...)
}

func (f *fakeIGD) reserved() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReserved
}

func (f *fakeIGD) actionLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

func (f *fakeIGD) clearActions() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = nil
}

func (f *fakeIGD) calls(action string) int {
	n := 0
	for _, a := range f.actionLog() {
		if a == action {
			n++
		}
	}
	return n
}
