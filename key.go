// Package entrycache holds the identifiers shared by every layer of the entry
// cache: normalized keys, load contexts, storage kinds and content digests.
package entrycache

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

var (
	// ErrInvalidKey is returned when a locator cannot be turned into a Key.
	ErrInvalidKey = errors.New("invalid cache key")

	// ErrInvalidBackendKind is returned for a storage kind outside the known set.
	ErrInvalidBackendKind = errors.New("invalid backend kind")
)

// Key is a normalized cache key derived from a resource locator. Two keys are
// equal when their String forms are byte-equal.
type Key struct {
	uri string
	ext string
}

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
	"ftp":   "21",
}

// ParseKey normalizes locator into a Key. idExtension distinguishes several
// entries stored for the same URI and may be empty. It must not contain ':'
// or NUL.
//
// Normalization lowercases the scheme and host, converts the host to its IDNA
// ASCII form, drops the scheme's default port and the fragment, and turns an
// empty hierarchical path into "/".
func ParseKey(locator, idExtension string) (Key, error) {
	if strings.TrimSpace(locator) == "" {
		return Key{}, fmt.Errorf("%w: empty locator", ErrInvalidKey)
	}
	if strings.ContainsAny(idExtension, ":\x00") {
		return Key{}, fmt.Errorf("%w: id extension %q contains ':' or NUL", ErrInvalidKey, idExtension)
	}

	u, err := url.Parse(locator)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if u.Scheme == "" {
		return Key{}, fmt.Errorf("%w: %q has no scheme", ErrInvalidKey, locator)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""
	u.RawFragment = ""

	if u.Opaque != "" {
		return Key{uri: u.String(), ext: idExtension}, nil
	}

	if hostname := u.Hostname(); hostname != "" {
		host := strings.ToLower(hostname)
		if net.ParseIP(hostname) == nil {
			host, err = idna.Lookup.ToASCII(hostname)
			if err != nil {
				return Key{}, fmt.Errorf("%w: host %q: %v", ErrInvalidKey, hostname, err)
			}
		}
		port := u.Port()
		if port == defaultPorts[u.Scheme] {
			port = ""
		}
		switch {
		case port != "":
			u.Host = net.JoinHostPort(host, port)
		case strings.Contains(host, ":"):
			u.Host = "[" + host + "]"
		default:
			u.Host = host
		}
	}
	if u.Path == "" && u.Host != "" {
		u.Path = "/"
	}

	return Key{uri: u.String(), ext: idExtension}, nil
}

// MustParseKey is like ParseKey but panics on error. Intended for tests and
// constant locators.
func MustParseKey(locator string) Key {
	k, err := ParseKey(locator, "")
	if err != nil {
		panic(err)
	}
	return k
}

// URI returns the normalized locator without the id extension.
func (k Key) URI() string {
	return k.uri
}

// IDExtension returns the id extension, if any.
func (k Key) IDExtension() string {
	return k.ext
}

// IsZero reports whether k was never initialized.
func (k Key) IsZero() bool {
	return k.uri == ""
}

// String returns the canonical form used for equality and storage.
// Format: "~{ext}:{uri}" when an id extension is present, otherwise "{uri}".
func (k Key) String() string {
	if k.ext == "" {
		return k.uri
	}
	return "~" + k.ext + ":" + k.uri
}

// Hash returns the digest of the canonical key form.
func (k Key) Hash() Hash {
	return HashString(k.String())
}

// KeyFromString reverses Key.String for keys read back from the index.
func KeyFromString(s string) Key {
	if strings.HasPrefix(s, "~") {
		if ext, uri, ok := strings.Cut(s[1:], ":"); ok {
			return Key{uri: uri, ext: ext}
		}
	}
	return Key{uri: s}
}
