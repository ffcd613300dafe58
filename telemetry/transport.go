package telemetry

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	entrycache "github.com/wolfeidau/entry-cache"
)

// Cache statuses reported for admin API calls, derived from the HTTP status
// the server answered with.
const (
	ClientStatusOK           = "ok"
	ClientStatusNotFound     = "not_found"
	ClientStatusBusy         = "busy"
	ClientStatusInvalid      = "invalid"
	ClientStatusUnauthorized = "unauthorized"
	ClientStatusTooLarge     = "too_large"
	ClientStatusAborted      = "aborted"
	ClientStatusUnavailable  = "unavailable"
	ClientStatusError        = "error"
	ClientStatusCanceled     = "canceled"
)

const storagesPathPrefix = "/v1/storages/"

// ClientRequest describes one finished admin API call.
type ClientRequest struct {
	Command     string
	Tier        string
	CacheStatus string
	Duration    time.Duration
	BytesRead   int64
}

// ClientTransport is an http.RoundTripper that records admin API calls made
// by the CLI, labelled with the storage tier the request addressed and the
// cache status of the answer.
type ClientTransport struct {
	base    http.RoundTripper
	command string
}

// NewClientTransport wraps base for calls issued by command. A nil base uses
// http.DefaultTransport.
func NewClientTransport(base http.RoundTripper, command string) *ClientTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &ClientTransport{base: base, command: command}
}

func (t *ClientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	call := ClientRequest{Command: t.command, Tier: TierFromPath(req.URL.Path)}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		call.CacheStatus = ClientStatusError
		if req.Context().Err() != nil {
			call.CacheStatus = ClientStatusCanceled
		}
		call.Duration = time.Since(start)
		RecordClientRequest(req.Context(), call)
		return nil, err
	}

	call.CacheStatus = CacheStatusFromHTTP(resp.StatusCode)
	resp.Body = &countingBody{ReadCloser: resp.Body, ctx: req.Context(), start: start, call: call}
	return resp, nil
}

// TierFromPath returns the storage kind named by an admin API path, or "none"
// for paths outside /v1/storages/{kind}.
func TierFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, storagesPathPrefix)
	if !ok {
		return "none"
	}
	name, _, _ := strings.Cut(rest, "/")
	kind, err := entrycache.ParseKind(name)
	if err != nil {
		return "none"
	}
	return string(kind)
}

// CacheStatusFromHTTP maps a server response code back to the cache status
// that produced it.
func CacheStatusFromHTTP(code int) string {
	switch {
	case code >= 200 && code < 300:
		return ClientStatusOK
	case code == http.StatusNotFound:
		return ClientStatusNotFound
	case code == http.StatusConflict:
		return ClientStatusBusy
	case code == http.StatusBadRequest:
		return ClientStatusInvalid
	case code == http.StatusUnauthorized:
		return ClientStatusUnauthorized
	case code == http.StatusRequestEntityTooLarge:
		return ClientStatusTooLarge
	case code == 499, code == http.StatusGatewayTimeout:
		return ClientStatusAborted
	case code == http.StatusServiceUnavailable:
		return ClientStatusUnavailable
	default:
		return StatusClass(code)
	}
}

// countingBody records the call once the caller is done with the body.
type countingBody struct {
	io.ReadCloser
	ctx   context.Context
	start time.Time
	call  ClientRequest
	once  sync.Once
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.call.BytesRead += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	b.once.Do(func() {
		b.call.Duration = time.Since(b.start)
		RecordClientRequest(b.ctx, b.call)
	})
	return b.ReadCloser.Close()
}
