package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/recorder"
	"github.com/matt-riley/flagsync/internal/sync"
)

func TestFetchFlags(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(core.TargetingRulesChange{
			FeatureFlags: core.FlagChanges{
				Flags: []core.FeatureFlag{{Name: "checkout", Status: core.StatusActive}},
				Since: -1,
				Till:  100,
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "sdk-key", HTTPClient: srv.Client()})
	change, err := c.FetchFlags(context.Background(), -1, -1, "&sets=set_1", "1.3")
	if err != nil {
		t.Fatalf("FetchFlags() error = %v", err)
	}
	if change.FeatureFlags.Till != 100 || len(change.FeatureFlags.Flags) != 1 {
		t.Fatalf("FetchFlags() = %+v, want one flag at till 100", change.FeatureFlags)
	}
	if gotAuth != "Bearer sdk-key" {
		t.Fatalf("Authorization = %q, want bearer key", gotAuth)
	}
	want := "/api/flagChanges?rbSince=-1&s=1.3&since=-1&sets=set_1"
	if gotPath != want {
		t.Fatalf("request path = %q, want %q", gotPath, want)
	}
}

func TestFetchFlagsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "spec not supported", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, HTTPClient: srv.Client()})
	_, err := c.FetchFlags(context.Background(), -1, -1, "", "1.3")
	var fe *sync.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("FetchFlags() error = %v, want *sync.FetchError", err)
	}
	if fe.StatusCode != http.StatusBadRequest {
		t.Fatalf("StatusCode = %d, want 400", fe.StatusCode)
	}
}

func TestFetchFlagsNetworkError(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := c.FetchFlags(context.Background(), -1, -1, "", "1.3")
	var fe *sync.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("FetchFlags() error = %v, want *sync.FetchError", err)
	}
	if fe.StatusCode != 0 {
		t.Fatalf("StatusCode = %d, want 0 for a network failure", fe.StatusCode)
	}
	if !fe.Transient() {
		t.Fatal("network failure must be transient")
	}
}

func TestFetchMemberships(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.RequestURI()
		json.NewEncoder(w).Encode(core.MembershipChanges{Segments: []string{"beta"}, Till: 12})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, HTTPClient: srv.Client()})
	change, err := c.FetchMemberships(context.Background(), "user/1", core.SegmentKindLarge, 5)
	if err != nil {
		t.Fatalf("FetchMemberships() error = %v", err)
	}
	if change.Till != 12 || len(change.Segments) != 1 {
		t.Fatalf("FetchMemberships() = %+v, want [beta] at 12", change)
	}
	want := "/api/memberships/large/user%2F1?since=5"
	if gotPath != want {
		t.Fatalf("request path = %q, want %q", gotPath, want)
	}
}

func TestPosters(t *testing.T) {
	type received struct {
		path string
		body []byte
	}
	var got []received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		got = append(got, received{path: r.URL.Path, body: body})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	c := NewClient(Config{BaseURL: srv.URL, HTTPClient: srv.Client()})

	if err := c.Events().PostRecords(ctx, []core.Event{{EventTypeID: "click", Key: "u1"}}); err != nil {
		t.Fatalf("Events().PostRecords() error = %v", err)
	}
	if err := c.Impressions().PostRecords(ctx, []core.Impression{{KeyName: "u1", FeatureName: "checkout"}}); err != nil {
		t.Fatalf("Impressions().PostRecords() error = %v", err)
	}
	if err := c.Counts().PostRecords(ctx, []core.ImpressionCount{{FeatureName: "checkout", TimeFrame: 1, Count: 3}}); err != nil {
		t.Fatalf("Counts().PostRecords() error = %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("server saw %d requests, want 3", len(got))
	}
	wantPaths := []string{"/api/events/bulk", "/api/impressions/bulk", "/api/impressions/count"}
	for i, want := range wantPaths {
		if got[i].path != want {
			t.Fatalf("request %d path = %q, want %q", i, got[i].path, want)
		}
	}

	// Counts are wrapped in the per-feature envelope.
	var envelope struct {
		PerFeature []core.ImpressionCount `json:"pf"`
	}
	if err := json.Unmarshal(got[2].body, &envelope); err != nil {
		t.Fatalf("unmarshal count payload: %v", err)
	}
	if len(envelope.PerFeature) != 1 || envelope.PerFeature[0].Count != 3 {
		t.Fatalf("count payload = %+v, want one count of 3", envelope)
	}
}

func TestPostErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, HTTPClient: srv.Client()})
	err := c.Events().PostRecords(context.Background(), []core.Event{{EventTypeID: "click"}})
	var pe *recorder.PostError
	if !errors.As(err, &pe) {
		t.Fatalf("PostRecords() error = %v, want *recorder.PostError", err)
	}
	if !pe.Permanent() {
		t.Fatal("400 rejection must be permanent")
	}
}
