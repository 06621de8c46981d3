// Package device holds the local and remote device identity types shared by
// the discovery, pairing, and session packages.
package device

// Kind categorizes a device for presentation purposes.
type Kind string

const (
	KindDesktop Kind = "desktop"
	KindLaptop  Kind = "laptop"
	KindPhone   Kind = "phone"
	KindTablet  Kind = "tablet"
)

// ParseKind maps a wire/display string to a Kind, defaulting to desktop.
func ParseKind(raw string) Kind {
	switch Kind(raw) {
	case KindDesktop, KindLaptop, KindPhone, KindTablet:
		return Kind(raw)
	default:
		return KindDesktop
	}
}

// Identity describes the local device as announced to peers.
type Identity struct {
	ID           string
	Name         string
	Kind         Kind
	Capabilities []string
}
