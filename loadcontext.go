package entrycache

import (
	"net/url"
	"strconv"
	"strings"
)

// LoadContext identifies the isolation scope an entry belongs to. Entries with
// the same Key but different load contexts never see each other.
type LoadContext struct {
	Private          bool
	Anonymous        bool
	UserContextID    uint32
	FirstPartyDomain string
}

// DefaultLoadContext is the non-private, non-anonymous, default container scope.
var DefaultLoadContext = LoadContext{}

// PrivateLoadContext is the default private browsing scope.
var PrivateLoadContext = LoadContext{Private: true}

// AnonymousLoadContext is the default scope for requests sent without credentials.
var AnonymousLoadContext = LoadContext{Anonymous: true}

// Suffix returns the canonical partition string for the context. The default
// context has an empty suffix.
//
// Format: "O^{origin attributes}," then "a," when anonymous, then "p," when private.
// Attribute values are query-escaped, so no value can forge a separator.
func (lc LoadContext) Suffix() string {
	var b strings.Builder
	if attrs := lc.originAttributes(); attrs != "" {
		b.WriteString("O^")
		b.WriteString(attrs)
		b.WriteByte(',')
	}
	if lc.Anonymous {
		b.WriteString("a,")
	}
	if lc.Private {
		b.WriteString("p,")
	}
	return b.String()
}

func (lc LoadContext) originAttributes() string {
	var parts []string
	if lc.FirstPartyDomain != "" {
		parts = append(parts, "firstPartyDomain="+url.QueryEscape(lc.FirstPartyDomain))
	}
	if lc.Private {
		parts = append(parts, "privateBrowsingId=1")
	}
	if lc.UserContextID != 0 {
		parts = append(parts, "userContextId="+strconv.FormatUint(uint64(lc.UserContextID), 10))
	}
	return strings.Join(parts, "&")
}

// String implements fmt.Stringer.
func (lc LoadContext) String() string {
	if s := lc.Suffix(); s != "" {
		return s
	}
	return "default"
}
