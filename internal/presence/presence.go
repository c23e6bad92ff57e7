// Package presence answers whether a user is currently reachable through the
// relay.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var ErrLookupFailed = errors.New("presence lookup failed")

// Entry is the presence record the relay serves at /v1/presence/{userId}.
type Entry struct {
	UserID      string `json:"userId"`
	Online      bool   `json:"online"`
	DisplayName string `json:"displayName,omitempty"`
}

type Directory interface {
	Lookup(ctx context.Context, userID string) (Entry, error)
}

// Static is an in-memory Directory. Unknown users are offline.
type Static struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewStatic(entries ...Entry) *Static {
	s := &Static{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		s.entries[e.UserID] = e
	}
	return s
}

func (s *Static) Set(e Entry) {
	s.mu.Lock()
	s.entries[e.UserID] = e
	s.mu.Unlock()
}

func (s *Static) Lookup(ctx context.Context, userID string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[userID]; ok {
		return e, nil
	}
	return Entry{UserID: userID}, nil
}

const maxEntryBytes = 16 * 1024

// HTTP queries a relay's presence endpoint.
type HTTP struct {
	BaseURL string
	Client  *http.Client
	// Header is attached to every request (for example Authorization).
	Header http.Header
}

func NewHTTP(baseURL string, header http.Header) *HTTP {
	return &HTTP{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 5 * time.Second},
		Header:  header,
	}
}

func (h *HTTP) Lookup(ctx context.Context, userID string) (Entry, error) {
	endpoint := h.BaseURL + "/v1/presence/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	for k, vs := range h.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Entry{UserID: userID}, nil
	default:
		return Entry{}, fmt.Errorf("%w: %s returned %s", ErrLookupFailed, endpoint, resp.Status)
	}

	var e Entry
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxEntryBytes)).Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("%w: decode: %v", ErrLookupFailed, err)
	}
	if e.UserID != userID {
		return Entry{}, fmt.Errorf("%w: response for %q, want %q", ErrLookupFailed, e.UserID, userID)
	}
	return e, nil
}
