package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	entrycache "github.com/wolfeidau/entry-cache"
	"github.com/wolfeidau/entry-cache/cache"
	"github.com/wolfeidau/entry-cache/telemetry"
)

// MetadataHeaderPrefix marks request and response headers that carry entry
// metadata elements.
const MetadataHeaderPrefix = "X-Cache-Meta-"

// StorageInfoResponse is the body of GET /v1/storages/{kind}.
type StorageInfoResponse struct {
	Kind        string `json:"kind"`
	LoadContext string `json:"load_context"`
	EntryCount  int64  `json:"entry_count"`
	Consumption int64  `json:"consumption"`
	Capacity    int64  `json:"capacity"`
	Directory   string `json:"directory,omitempty"`
}

// EntryResponse describes one entry in GET /v1/storages/{kind}/entries.
type EntryResponse struct {
	Key          string            `json:"key"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	DataSize     int64             `json:"data_size"`
	FetchCount   uint32            `json:"fetch_count"`
	LastFetched  time.Time         `json:"last_fetched,omitzero"`
	LastModified time.Time         `json:"last_modified,omitzero"`
	ExpiresAt    time.Time         `json:"expires_at,omitzero"`
	Pinned       bool              `json:"pinned,omitempty"`
}

// EntriesResponse is the body of GET /v1/storages/{kind}/entries.
type EntriesResponse struct {
	StorageInfoResponse
	Entries []EntryResponse `json:"entries"`
}

// PutEntryResponse is the body of a successful PUT /v1/storages/{kind}/entry.
type PutEntryResponse struct {
	Key      string `json:"key"`
	DataSize int64  `json:"data_size"`
}

// handleStorageInfo reports aggregate counters of one storage.
func (s *Server) handleStorageInfo(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "storage_info")
	st, ok := s.resolveStorage(w, r)
	if !ok {
		return
	}

	res, err := s.visit(r.Context(), st, false)
	if err != nil {
		s.writeCacheError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, storageInfoResponse(st, res.info))
}

// handleEntries enumerates the entries of one storage.
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "storage_entries")
	st, ok := s.resolveStorage(w, r)
	if !ok {
		return
	}

	res, err := s.visit(r.Context(), st, true)
	if err != nil {
		s.writeCacheError(w, r, err)
		return
	}

	body := EntriesResponse{
		StorageInfoResponse: storageInfoResponse(st, res.info),
		Entries:             make([]EntryResponse, 0, len(res.entries)),
	}
	for _, e := range res.entries {
		body.Entries = append(body.Entries, EntryResponse{
			Key:          e.Key.String(),
			Metadata:     e.Metadata,
			DataSize:     e.DataSize,
			FetchCount:   e.FetchCount,
			LastFetched:  e.LastFetched,
			LastModified: e.LastModified,
			ExpiresAt:    e.ExpiresAt,
			Pinned:       e.Pinned,
		})
	}
	writeJSON(w, http.StatusOK, body)
}

// handleEvict evicts every entry of one storage.
func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "storage_evict")
	st, ok := s.resolveStorage(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.OpenTimeout)
	defer cancel()

	done := make(chan error, 1)
	st.EvictAll(ctx, func(err error) { done <- err })

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		s.writeCacheError(w, r, err)
		return
	}

	s.logger.Info("storage evicted",
		"kind", st.Kind(),
		"load_context", st.LoadContext().String(),
		"request_id", telemetry.RequestIDFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// handleGetEntry serves the payload of one entry. HEAD returns the headers only.
func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "entry_get")
	st, ok := s.resolveStorage(w, r)
	if !ok {
		return
	}
	key, ok := s.parseKey(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.OpenTimeout)
	defer cancel()

	res, err := s.open(ctx, st, key, cache.OpenReadOnly)
	if err != nil {
		s.writeCacheError(w, r, err)
		return
	}
	if res.Status != cache.StatusOK {
		if res.Status == cache.StatusNotFound {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
		}
		s.writeCacheError(w, r, res.Err)
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheHit)

	entry := res.Entry
	for name, value := range entry.Metadata() {
		w.Header().Set(MetadataHeaderPrefix+name, value)
	}
	if lm := entry.LastModified(); !lm.IsZero() {
		w.Header().Set("Last-Modified", lm.UTC().Format(http.TimeFormat))
	}
	if exp := entry.ExpirationTime(); !exp.IsZero() {
		w.Header().Set("Expires", exp.UTC().Format(http.TimeFormat))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(entry.DataSize(), 10))

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := entry.Reader(ctx)
	if err != nil {
		w.Header().Del("Content-Length")
		s.writeCacheError(w, r, err)
		return
	}
	defer func() { _ = body.Close() }()

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Warn("failed to send entry payload",
			"key", key.String(),
			"request_id", telemetry.RequestIDFromContext(r.Context()),
			"error", err)
	}
}

// handlePutEntry replaces one entry with the request body. Request headers
// prefixed with X-Cache-Meta- become metadata elements and an Expires header
// sets the expiration time.
func (s *Server) handlePutEntry(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "entry_put")
	st, ok := s.resolveStorage(w, r)
	if !ok {
		return
	}
	key, ok := s.parseKey(w, r)
	if !ok {
		return
	}

	metadata := metadataFromHeader(r.Header)
	var expires time.Time
	if v := r.Header.Get("Expires"); v != "" {
		t, err := http.ParseTime(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid Expires header")
			return
		}
		expires = t
	}

	// Read the body before taking admission so a slow client does not hold
	// the entry's writer slot.
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxEntrySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "entry too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.OpenTimeout)
	defer cancel()

	res, err := s.open(ctx, st, key, cache.OpenTruncate)
	if err != nil {
		s.writeCacheError(w, r, err)
		return
	}
	if res.Status != cache.StatusOK {
		s.writeCacheError(w, r, res.Err)
		return
	}

	if err := writeEntry(res.Entry, data, metadata, expires); err != nil {
		s.writeCacheError(w, r, err)
		return
	}

	s.logger.Debug("entry stored",
		"kind", st.Kind(),
		"key", key.String(),
		"size", len(data),
		"request_id", telemetry.RequestIDFromContext(r.Context()))
	writeJSON(w, http.StatusCreated, PutEntryResponse{Key: key.String(), DataSize: int64(len(data))})
}

func writeEntry(entry *cache.Entry, data []byte, metadata map[string]string, expires time.Time) error {
	for name, value := range metadata {
		if err := entry.SetMetadataElement(name, value); err != nil {
			entry.Dismiss()
			return err
		}
	}
	if !expires.IsZero() {
		if err := entry.SetExpirationTime(expires); err != nil {
			entry.Dismiss()
			return err
		}
	}

	wr, err := entry.Writer()
	if err != nil {
		entry.Dismiss()
		return err
	}
	if _, err := wr.Write(data); err != nil {
		entry.Dismiss()
		return err
	}
	return wr.Close()
}

// metadataFromHeader collects X-Cache-Meta-* headers. Names are lowercased.
func metadataFromHeader(h http.Header) map[string]string {
	metadata := make(map[string]string)
	for name, values := range h {
		suffix, ok := strings.CutPrefix(http.CanonicalHeaderKey(name), MetadataHeaderPrefix)
		if !ok || suffix == "" || len(values) == 0 {
			continue
		}
		metadata[strings.ToLower(suffix)] = values[0]
	}
	return metadata
}

// resolveStorage maps the {kind} path value and the load context query
// parameters to a storage. It writes the error response itself.
func (s *Server) resolveStorage(w http.ResponseWriter, r *http.Request) (*cache.Storage, bool) {
	kind, err := entrycache.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	telemetry.SetTier(r, kind.String())

	lc, err := loadContextFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	var appCache *cache.AppCache
	if group := r.URL.Query().Get("group"); group != "" {
		appCache = &cache.AppCache{Group: group, ClientID: r.URL.Query().Get("client_id")}
	}

	st, err := s.cache.Storage(kind, lc, appCache)
	if err != nil {
		s.writeCacheError(w, r, err)
		return nil, false
	}
	return st, true
}

// loadContextFromQuery reads the private, anonymous, user_context and
// first_party query parameters.
func loadContextFromQuery(r *http.Request) (entrycache.LoadContext, error) {
	q := r.URL.Query()
	var lc entrycache.LoadContext

	parseBool := func(name string) (bool, error) {
		v := q.Get(name)
		if v == "" {
			return false, nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("invalid %s parameter: %q", name, v)
		}
		return b, nil
	}

	var err error
	if lc.Private, err = parseBool("private"); err != nil {
		return lc, err
	}
	if lc.Anonymous, err = parseBool("anonymous"); err != nil {
		return lc, err
	}
	if v := q.Get("user_context"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return lc, fmt.Errorf("invalid user_context parameter: %q", v)
		}
		lc.UserContextID = uint32(id)
	}
	lc.FirstPartyDomain = q.Get("first_party")
	return lc, nil
}

func (s *Server) parseKey(w http.ResponseWriter, r *http.Request) (entrycache.Key, bool) {
	key, err := entrycache.ParseKey(r.URL.Query().Get("key"), r.URL.Query().Get("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return entrycache.Key{}, false
	}
	return key, true
}

// open runs an asynchronous open and waits for its result. If ctx ends first
// the late result is drained and any granted entry dismissed.
func (s *Server) open(ctx context.Context, st *cache.Storage, key entrycache.Key, flags cache.OpenFlags) (cache.OpenResult, error) {
	ch := make(chan cache.OpenResult, 1)
	st.Open(ctx, key, flags, cache.OpenFunc(func(res cache.OpenResult) { ch <- res }))

	select {
	case res := <-ch:
		if res.Status == cache.StatusAborted && ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, nil
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.Entry != nil {
				res.Entry.Dismiss()
			}
		}()
		return cache.OpenResult{}, ctx.Err()
	}
}

type visitResult struct {
	info    cache.StorageInfo
	entries []cache.EntryInfo
}

func (s *Server) visit(ctx context.Context, st *cache.Storage, wantEntries bool) (visitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.OpenTimeout)
	defer cancel()

	var res visitResult
	done := make(chan error, 1)
	st.Visit(ctx, wantEntries, func(ev cache.VisitEvent) {
		switch ev.Type {
		case cache.VisitStorageInfo:
			res.info = ev.Info
		case cache.VisitEntry:
			res.entries = append(res.entries, ev.Entry)
		case cache.VisitEnd:
			done <- ev.Err
		}
	})

	select {
	case err := <-done:
		return res, err
	case <-ctx.Done():
		return visitResult{}, ctx.Err()
	}
}

func storageInfoResponse(st *cache.Storage, info cache.StorageInfo) StorageInfoResponse {
	return StorageInfoResponse{
		Kind:        st.Kind().String(),
		LoadContext: st.LoadContext().String(),
		EntryCount:  info.EntryCount,
		Consumption: info.Consumption,
		Capacity:    info.Capacity,
		Directory:   info.Directory,
	}
}

// httpStatus maps a cache error to an HTTP status code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, entrycache.ErrInvalidBackendKind), errors.Is(err, cache.ErrAppCacheRequired):
		return http.StatusBadRequest
	case errors.Is(err, cache.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	switch cache.StatusOf(err) {
	case cache.StatusNotFound:
		return http.StatusNotFound
	case cache.StatusBusy:
		return http.StatusConflict
	case cache.StatusInvalidKey:
		return http.StatusBadRequest
	case cache.StatusAborted:
		return 499
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) writeCacheError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("cache request failed",
			"path", r.URL.Path,
			"request_id", telemetry.RequestIDFromContext(r.Context()),
			"error", err)
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
