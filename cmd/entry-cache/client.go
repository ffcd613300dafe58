package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/entry-cache/server"
	"github.com/wolfeidau/entry-cache/telemetry"
)

// ClientFlags select the server and the storage a client command targets.
type ClientFlags struct {
	Server  string        `help:"Base URL of the admin server." default:"http://localhost:8080" env:"ENTRY_CACHE_SERVER"`
	Token   string        `help:"Bearer token for the admin API." env:"ENTRY_CACHE_AUTH_TOKEN"`
	Timeout time.Duration `help:"Request timeout." default:"30s"`

	Kind string `arg:"" help:"Storage kind." enum:"memory,disk,appcache,pin"`

	Private     bool   `help:"Use the private browsing load context."`
	Anonymous   bool   `help:"Use the anonymous load context."`
	UserContext uint32 `help:"User context (container) id."`
	FirstParty  string `help:"First party domain isolation key."`
	Group       string `help:"App cache group (required for appcache)."`
	ClientID    string `help:"App cache client id."`
}

func (f *ClientFlags) storageURL(suffix string, extra url.Values) string {
	q := url.Values{}
	if f.Private {
		q.Set("private", "true")
	}
	if f.Anonymous {
		q.Set("anonymous", "true")
	}
	if f.UserContext != 0 {
		q.Set("user_context", strconv.FormatUint(uint64(f.UserContext), 10))
	}
	if f.FirstParty != "" {
		q.Set("first_party", f.FirstParty)
	}
	if f.Group != "" {
		q.Set("group", f.Group)
	}
	if f.ClientID != "" {
		q.Set("client_id", f.ClientID)
	}
	for k, v := range extra {
		q[k] = v
	}

	u := strings.TrimSuffix(f.Server, "/") + "/v1/storages/" + url.PathEscape(f.Kind) + suffix
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// do sends a request through the instrumented transport and returns the
// response when its status is one of want.
func (f *ClientFlags) do(ctx context.Context, endpoint, method, target string, body io.Reader, header http.Header, want ...int) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	client := &http.Client{Transport: telemetry.NewClientTransport(nil, endpoint)}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	for _, code := range want {
		if resp.StatusCode == code {
			return resp, nil
		}
	}
	defer func() { _ = resp.Body.Close() }()

	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
		return nil, fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
	}
	return nil, fmt.Errorf("unexpected response: %s", resp.Status)
}

func (f *ClientFlags) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), f.Timeout)
}

// StatsCmd prints storage counters.
type StatsCmd struct {
	ClientFlags
}

func (c *StatsCmd) Run(g *Globals) error {
	ctx, cancel := c.requestContext()
	defer cancel()

	resp, err := c.do(ctx, "storage_info", http.MethodGet, c.storageURL("", nil), nil, nil, http.StatusOK)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var info server.StorageInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	tw := tabwriter.NewWriter(g.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "kind\t%s\n", info.Kind)
	_, _ = fmt.Fprintf(tw, "load context\t%s\n", info.LoadContext)
	_, _ = fmt.Fprintf(tw, "entries\t%d\n", info.EntryCount)
	_, _ = fmt.Fprintf(tw, "consumption\t%d\n", info.Consumption)
	_, _ = fmt.Fprintf(tw, "capacity\t%d\n", info.Capacity)
	if info.Directory != "" {
		_, _ = fmt.Fprintf(tw, "directory\t%s\n", info.Directory)
	}
	return tw.Flush()
}

// ListCmd prints the entries of a storage.
type ListCmd struct {
	ClientFlags
}

func (c *ListCmd) Run(g *Globals) error {
	ctx, cancel := c.requestContext()
	defer cancel()

	resp, err := c.do(ctx, "storage_entries", http.MethodGet, c.storageURL("/entries", nil), nil, nil, http.StatusOK)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var body server.EntriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	tw := tabwriter.NewWriter(g.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tSIZE\tFETCHES\tMODIFIED\tEXPIRES")
	for _, e := range body.Entries {
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", e.Key, e.DataSize, e.FetchCount, formatTime(e.LastModified), formatTime(e.ExpiresAt))
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

// EvictCmd evicts a storage.
type EvictCmd struct {
	ClientFlags
}

func (c *EvictCmd) Run(g *Globals) error {
	ctx, cancel := c.requestContext()
	defer cancel()

	resp, err := c.do(ctx, "storage_evict", http.MethodDelete, c.storageURL("", nil), nil, nil, http.StatusNoContent)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// GetCmd copies an entry's payload to stdout.
type GetCmd struct {
	ClientFlags
	Key      string `arg:"" help:"Entry URI."`
	ID       string `help:"Id extension."`
	Metadata bool   `short:"m" help:"Print metadata to stderr."`
}

func (c *GetCmd) Run(g *Globals) error {
	ctx, cancel := c.requestContext()
	defer cancel()

	target := c.storageURL("/entry", entryQuery(c.Key, c.ID))
	resp, err := c.do(ctx, "entry_get", http.MethodGet, target, nil, nil, http.StatusOK)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if c.Metadata {
		for name, values := range resp.Header {
			if meta, ok := strings.CutPrefix(name, server.MetadataHeaderPrefix); ok && len(values) > 0 {
				_, _ = fmt.Fprintf(g.Stderr, "%s: %s\n", strings.ToLower(meta), values[0])
			}
		}
	}

	_, err = io.Copy(g.Stdout, resp.Body)
	return err
}

// PutCmd stores stdin as an entry.
type PutCmd struct {
	ClientFlags
	Key     string            `arg:"" help:"Entry URI."`
	ID      string            `help:"Id extension."`
	Meta    map[string]string `short:"m" help:"Metadata element (name=value), repeatable."`
	Expires time.Duration     `help:"Expire the entry after this duration."`
}

func (c *PutCmd) Run(g *Globals) error {
	ctx, cancel := c.requestContext()
	defer cancel()

	header := http.Header{}
	for name, value := range c.Meta {
		header.Set(server.MetadataHeaderPrefix+name, value)
	}
	if c.Expires > 0 {
		header.Set("Expires", time.Now().Add(c.Expires).UTC().Format(http.TimeFormat))
	}

	target := c.storageURL("/entry", entryQuery(c.Key, c.ID))
	resp, err := c.do(ctx, "entry_put", http.MethodPut, target, g.Stdin, header, http.StatusCreated)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var body server.PutEntryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	_, _ = fmt.Fprintf(g.Stderr, "stored %s (%d bytes)\n", body.Key, body.DataSize)
	return nil
}

func entryQuery(key, id string) url.Values {
	q := url.Values{"key": {key}}
	if id != "" {
		q.Set("id", id)
	}
	return q
}
