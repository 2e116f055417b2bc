package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/runpad/runpad/internal/config"
	"github.com/runpad/runpad/internal/policy"
	"github.com/runpad/runpad/internal/run"
	"github.com/runpad/runpad/internal/sandbox"
	"github.com/runpad/runpad/internal/storage/sqlite"
)

// stubRuntime hands out processes that emit "hi\n" and then block until
// the test releases them, so tests control when runs finish.
type stubRuntime struct {
	release chan struct{}
}

func (r *stubRuntime) Start(ctx context.Context, spec sandbox.Spec) (sandbox.Process, error) {
	return &stubProc{release: r.release}, nil
}

type stubProc struct {
	release <-chan struct{}
}

func (p *stubProc) Stdout() io.Reader { return strings.NewReader("hi\n") }
func (p *stubProc) Stderr() io.Reader { return strings.NewReader("") }
func (p *stubProc) Kill() error       { return nil }

func (p *stubProc) Wait() (sandbox.Status, error) {
	<-p.release
	code := 0
	return sandbox.Status{ExitCode: &code}, nil
}

func newTestServer(t *testing.T, release chan struct{}) *httptest.Server {
	t.Helper()

	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			AuthToken:      "secret",
			MaxUploadBytes: 1 << 20,
		},
	}

	registry := run.NewRegistry()
	broker := run.NewBroker()
	sup := run.NewSupervisor(&stubRuntime{release: release}, registry, broker, sandbox.DefaultLimits(), zap.NewNop())
	svc := run.NewService(store, policy.NewResolver(), registry, broker, sup, zap.NewNop())

	srv := New(cfg, store, svc, zap.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestScriptUploadListDelete(t *testing.T) {
	release := make(chan struct{})
	close(release)
	ts := newTestServer(t, release)

	// Upload
	res := doJSON(t, "POST", ts.URL+"/api/scripts", "secret",
		map[string]string{"name": "hello.py", "content": "print('hi')"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d", res.StatusCode)
	}
	res.Body.Close()

	// List (no token needed)
	res = doJSON(t, "GET", ts.URL+"/api/scripts", "", nil)
	var scripts []map[string]any
	json.NewDecoder(res.Body).Decode(&scripts)
	res.Body.Close()
	if len(scripts) != 1 || scripts[0]["name"] != "hello.py" {
		t.Fatalf("list: unexpected scripts %v", scripts)
	}

	// Delete
	res = doJSON(t, "DELETE", ts.URL+"/api/scripts/hello.py", "secret", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", res.StatusCode)
	}
	res.Body.Close()

	// Delete again: gone
	res = doJSON(t, "DELETE", ts.URL+"/api/scripts/hello.py", "secret", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", res.StatusCode)
	}
	res.Body.Close()
}

func TestAccessGate(t *testing.T) {
	release := make(chan struct{})
	close(release)
	ts := newTestServer(t, release)

	cases := []struct {
		method, path string
		token        string
		want         int
	}{
		{"POST", "/api/scripts", "", http.StatusUnauthorized},
		{"POST", "/api/scripts", "wrong", http.StatusUnauthorized},
		{"POST", "/api/runs", "", http.StatusUnauthorized},
		{"DELETE", "/api/scripts/x.py", "", http.StatusUnauthorized},
		{"GET", "/api/scripts", "", http.StatusOK},
	}
	for _, c := range cases {
		res := doJSON(t, c.method, ts.URL+c.path, c.token, map[string]string{})
		if res.StatusCode != c.want {
			t.Errorf("%s %s token=%q: expected %d, got %d", c.method, c.path, c.token, c.want, res.StatusCode)
		}
		res.Body.Close()
	}
}

func TestSubmitRunRejections(t *testing.T) {
	release := make(chan struct{})
	close(release)
	ts := newTestServer(t, release)

	// Traversal name: synchronous 400, no run id.
	res := doJSON(t, "POST", ts.URL+"/api/runs", "secret",
		map[string]any{"file_name": "../etc/passwd"})
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("traversal: expected 400, got %d", res.StatusCode)
	}
	res.Body.Close()

	// Unknown script: synchronous 404.
	res = doJSON(t, "POST", ts.URL+"/api/runs", "secret",
		map[string]any{"file_name": "missing.py"})
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("missing: expected 404, got %d", res.StatusCode)
	}
	res.Body.Close()
}

func TestSubmitRunAndQuery(t *testing.T) {
	release := make(chan struct{})
	ts := newTestServer(t, release)

	res := doJSON(t, "POST", ts.URL+"/api/scripts", "secret",
		map[string]string{"name": "hello.py", "content": "print('hi')"})
	res.Body.Close()

	res = doJSON(t, "POST", ts.URL+"/api/runs", "secret",
		map[string]any{"file_name": "hello.py", "timeout_seconds": 10})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: expected 202, got %d", res.StatusCode)
	}
	var submitted map[string]string
	json.NewDecoder(res.Body).Decode(&submitted)
	res.Body.Close()
	runID := submitted["run_id"]
	if runID == "" {
		t.Fatal("submit returned no run id")
	}

	// Active run is queryable.
	res = doJSON(t, "GET", ts.URL+"/api/runs/"+runID, "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("query: expected 200, got %d", res.StatusCode)
	}
	var snap map[string]any
	json.NewDecoder(res.Body).Decode(&snap)
	res.Body.Close()
	if snap["file_name"] != "hello.py" {
		t.Errorf("unexpected snapshot: %v", snap)
	}

	// Let the run finish; the entry disappears.
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for {
		res = doJSON(t, "GET", ts.URL+"/api/runs/"+runID, "", nil)
		res.Body.Close()
		if res.StatusCode == http.StatusNotFound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("terminal run never left the registry")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Unknown run id.
	res = doJSON(t, "GET", ts.URL+"/api/runs/nope", "", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run: expected 404, got %d", res.StatusCode)
	}
	res.Body.Close()
}

func TestViewerFallback(t *testing.T) {
	release := make(chan struct{})
	close(release)
	ts := newTestServer(t, release)

	// Unrecognized non-API paths serve the viewer page.
	res := doJSON(t, http.MethodGet, ts.URL+"/runs/some-client-route", "", nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("viewer fallback status = %d, want 200", res.StatusCode)
	}
	page, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(page, []byte("<html")) {
		t.Error("viewer fallback did not serve the index page")
	}

	// Unknown API paths are 404s, never the viewer.
	res = doJSON(t, http.MethodGet, ts.URL+"/api/nope", "", nil)
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("unknown api path status = %d, want 404", res.StatusCode)
	}
}

func TestUploadRejectsBadNames(t *testing.T) {
	release := make(chan struct{})
	close(release)
	ts := newTestServer(t, release)

	for _, name := range []string{"../up.py", "a/b.py", ""} {
		res := doJSON(t, "POST", ts.URL+"/api/scripts", "secret",
			map[string]string{"name": name, "content": "x"})
		if res.StatusCode != http.StatusBadRequest {
			t.Errorf("upload %q: expected 400, got %d", name, res.StatusCode)
		}
		res.Body.Close()
	}
}

func TestUploadSizeBound(t *testing.T) {
	release := make(chan struct{})
	close(release)
	ts := newTestServer(t, release)

	big := strings.Repeat("x", 2<<20)
	res := doJSON(t, "POST", ts.URL+"/api/scripts", "secret",
		map[string]string{"name": "big.py", "content": big})
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("oversized upload: expected 400, got %d", res.StatusCode)
	}
	res.Body.Close()
}

func TestSubmitRunInvalidJSON(t *testing.T) {
	release := make(chan struct{})
	close(release)
	ts := newTestServer(t, release)

	req, _ := http.NewRequest("POST", ts.URL+"/api/runs", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer secret")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", res.StatusCode)
	}
	res.Body.Close()
}
