package presence

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatic(t *testing.T) {
	s := NewStatic(Entry{UserID: "bob", Online: true, DisplayName: "Bob"})

	e, err := s.Lookup(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !e.Online || e.DisplayName != "Bob" {
		t.Fatalf("entry=%+v", e)
	}

	e, err = s.Lookup(context.Background(), "carol")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Online || e.UserID != "carol" {
		t.Fatalf("entry=%+v, want offline carol", e)
	}

	s.Set(Entry{UserID: "bob"})
	if e, _ := s.Lookup(context.Background(), "bob"); e.Online {
		t.Fatalf("entry=%+v, want offline after Set", e)
	}
}

func TestHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/presence/bob":
			_ = json.NewEncoder(w).Encode(Entry{UserID: "bob", Online: true, DisplayName: "Bob"})
		case "/v1/presence/mallory":
			_ = json.NewEncoder(w).Encode(Entry{UserID: "someone-else", Online: true})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	h := NewHTTP(srv.URL+"/", http.Header{"Authorization": {"Bearer tok"}})

	e, err := h.Lookup(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !e.Online || e.DisplayName != "Bob" {
		t.Fatalf("entry=%+v", e)
	}

	e, err = h.Lookup(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if e.Online {
		t.Fatalf("entry=%+v, want offline", e)
	}

	if _, err := h.Lookup(context.Background(), "mallory"); !errors.Is(err, ErrLookupFailed) {
		t.Fatalf("err=%v, want %v", err, ErrLookupFailed)
	}

	unauth := NewHTTP(srv.URL, nil)
	if _, err := unauth.Lookup(context.Background(), "bob"); !errors.Is(err, ErrLookupFailed) {
		t.Fatalf("err=%v, want %v", err, ErrLookupFailed)
	}
}
