package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// Supported forward protocols.
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// ValidationError reports a field that cannot be placed into a ruleset.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ValidateAddress accepts only a plain dotted-quad IPv4 address with
// decimal octets in 0-255 and no leading zeros.
func ValidateAddress(s string) error {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return &ValidationError{Field: "address", Value: s, Reason: "must have four octets"}
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return &ValidationError{Field: "address", Value: s, Reason: "octet must be 1-3 digits"}
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return &ValidationError{Field: "address", Value: s, Reason: "octet must be decimal"}
			}
		}
		if len(p) > 1 && p[0] == '0' {
			return &ValidationError{Field: "address", Value: s, Reason: "octet has a leading zero"}
		}
		if n, _ := strconv.Atoi(p); n > 255 {
			return &ValidationError{Field: "address", Value: s, Reason: "octet out of range"}
		}
	}
	return nil
}

// ValidatePort accepts 1-65535.
func ValidatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return &ValidationError{Field: field, Value: strconv.Itoa(port), Reason: "must be between 1 and 65535"}
	}
	return nil
}

// ValidateProtocol accepts exactly "tcp" or "udp".
func ValidateProtocol(proto string) error {
	if proto != ProtocolTCP && proto != ProtocolUDP {
		return &ValidationError{Field: "protocol", Value: proto, Reason: "must be tcp or udp"}
	}
	return nil
}

// ValidateForward checks every field of a forward that reaches the ruleset.
func ValidateForward(protocol string, publicPort, privatePort int, address string) error {
	if err := ValidateProtocol(protocol); err != nil {
		return err
	}
	if err := ValidatePort("public port", publicPort); err != nil {
		return err
	}
	if err := ValidatePort("private port", privatePort); err != nil {
		return err
	}
	return ValidateAddress(address)
}
