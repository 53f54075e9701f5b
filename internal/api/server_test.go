package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kilnhq/kiln/internal/builder"
	"github.com/kilnhq/kiln/internal/compile"
	"github.com/kilnhq/kiln/internal/compile/convert"
	"github.com/kilnhq/kiln/internal/config"
	"github.com/kilnhq/kiln/internal/engine"
	"github.com/kilnhq/kiln/internal/registry"
	"github.com/kilnhq/kiln/internal/store"
)

// stubBuilder completes instantly with fixed toolchain versions.
type stubBuilder struct{}

func (stubBuilder) Resolve(_ context.Context) (builder.Versions, error) {
	return builder.Versions{TensorRT: "10.3.0", Cudnn: "8.9.7"}, nil
}

func (stubBuilder) Build(ctx context.Context, spec builder.BuildSpec) error {
	if spec.LogWriter != nil {
		spec.LogWriter("built " + spec.ImageTag)
	}
	return ctx.Err()
}

func (stubBuilder) Push(ctx context.Context, spec builder.BuildSpec) error {
	if spec.LogWriter != nil {
		spec.LogWriter("pushed " + spec.ImageTag)
	}
	return ctx.Err()
}

func (stubBuilder) Capabilities() builder.Capabilities {
	return builder.Capabilities{Name: "stub", SupportsPush: true, MaxConcurrency: 10}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	builders := builder.NewRegistry()
	builders.Register(builder.DefaultName, stubBuilder{})

	defs := &config.Definitions{
		Image:    "torch_tensorrt",
		Package:  "torch_tensorrt",
		TimeoutS: 10,
		Cleanup:  registry.Policy{KeepMin: 0, UntaggedOnly: true},
	}
	eng := engine.NewEngine(s, builders, registry.NewMemoryRegistry(), defs, logger)

	compiler := compile.NewCompiler(convert.Default(), s, logger)

	return NewServer(":0", s, builders, eng, compiler, logger)
}

// waitForTerminal polls a pipeline until it reaches a terminal status.
func waitForTerminal(t *testing.T, srv *Server, id string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		p, err := srv.store.GetPipeline(context.Background(), id)
		if err != nil {
			t.Fatalf("GetPipeline: %v", err)
		}
		if p.Status == "succeeded" || p.Status == "failed" || p.Status == "cancelled" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pipeline %s did not finish within %v", id, timeout)
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Sessions != 0 {
		t.Errorf("sessions = %d, want 0 on a fresh server", body.Sessions)
	}
}

func TestListBuilders(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/builders")
	if err != nil {
		t.Fatalf("GET /v1/builders: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
