package entrycache

import "fmt"

// Kind is a storage tier.
type Kind string

const (
	KindMemory   Kind = "memory"
	KindDisk     Kind = "disk"
	KindAppCache Kind = "appcache"
	KindPin      Kind = "pin"
)

// Kinds lists every recognized tier in a stable order.
var Kinds = []Kind{KindMemory, KindDisk, KindAppCache, KindPin}

// ParseKind validates a tier name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindMemory, KindDisk, KindAppCache, KindPin:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBackendKind, s)
	}
}

// Persistent reports whether entries of this tier survive a restart.
func (k Kind) Persistent() bool {
	return k != KindMemory
}

func (k Kind) String() string {
	return string(k)
}
