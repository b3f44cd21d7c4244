package igd

import (
	"errors"
	"fmt"
)

var (
	// ErrDiscoveryTimeout means no usable SSDP reply arrived in time.
	ErrDiscoveryTimeout = errors.New("igd: gateway discovery timed out")

	// ErrServiceNotFound means the device description could not be fetched
	// or exposes no WAN connection service.
	ErrServiceNotFound = errors.New("igd: no WAN connection service found")

	// ErrNoSuchMapping is the gateway's out-of-range or absent-entry signal.
	// It terminates enumeration and is returned when disabling a mapping
	// the gateway does not have.
	ErrNoSuchMapping = errors.New("igd: no such mapping")
)

type errorKind int

const (
	kindAction errorKind = iota
	kindNoSuchMapping
)

// literal the gateway uses for an out-of-range table index
const noSuchMappingText = "SpecifiedArrayIndexInvalid"

// RemoteError is a failure reported by the gateway inside a SOAP fault.
// Description carries the verbatim errorDescription text, which may be
// empty. The kind is fixed when the response is classified; match it with
// errors.Is rather than inspecting Description.
type RemoteError struct {
	Action      string
	Description string

	kind errorKind
}

func (e *RemoteError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("igd: %s failed", e.Action)
	}
	return fmt.Sprintf("igd: %s failed: %s", e.Action, e.Description)
}

// Is reports ErrNoSuchMapping for the absent-entry kind.
func (e *RemoteError) Is(target error) bool {
	return target == ErrNoSuchMapping && e.kind == kindNoSuchMapping
}

// ValidationError is a local pre-flight failure. Nothing was sent to the
// gateway.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("igd: %s %s", e.Field, e.Reason)
}
