package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/audiolibrelab/sessionstate/internal/config"
	"github.com/audiolibrelab/sessionstate/internal/service"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Session.Directory = t.TempDir()
	cfg.Engine.Backend = "offline"
	srv := New(cfg, "", "127.0.0.1:0")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Service().Close()
	})
	return srv, ts
}

func TestStatusIdle(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var st StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Status.Status != service.StatusIdle {
		t.Errorf("Expected IDLE, got %s", st.Status.Status)
	}
}

func TestSaveWithoutSessionConflicts(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.PostForm(ts.URL+"/save", url.Values{})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/cleanup")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	srv, ts := newTestServer(t)
	if err := srv.Service().Create(context.Background(), "Song", ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	resp, err := http.PostForm(ts.URL+"/save", url.Values{"snapshot": {"verse"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Save returned %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/snapshots")
	if err != nil {
		t.Fatal(err)
	}
	var snaps SnapshotsResponse
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if snaps.Current != "Song" || strings.Join(snaps.Snapshots, ",") != "Song,verse" {
		t.Errorf("Unexpected snapshots %+v", snaps)
	}

	resp, err = http.PostForm(ts.URL+"/cleanup", url.Values{})
	if err != nil {
		t.Fatal(err)
	}
	var rep CleanupResponse
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if !rep.Success || len(rep.Files) != 0 {
		t.Errorf("Unexpected cleanup response %+v", rep)
	}

	resp, err = http.Get(ts.URL + "/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Sessions []service.SessionInfo `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(list.Sessions) != 1 {
		t.Errorf("Expected one session, got %+v", list.Sessions)
	}
}

func TestOpenMissingSession(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.PostForm(ts.URL+"/open", url.Values{"session": {"Nope"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("Opening a missing session should fail")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from /metrics, got %d", resp.StatusCode)
	}
}

func TestFormatBytes(t *testing.T) {
	if got := formatBytes(512); got != "512 B" {
		t.Errorf("Got %s", got)
	}
	if got := formatBytes(1536); got != "1.5 KB" {
		t.Errorf("Got %s", got)
	}
}
