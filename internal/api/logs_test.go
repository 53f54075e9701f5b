package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kilnhq/kiln/internal/model"
)

func TestLogHistoryAfterRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, _ := http.Post(ts.URL+"/v1/pipelines", "application/json", bytes.NewBufferString(`{"branch":"main"}`))
	var p model.Pipeline
	json.NewDecoder(resp.Body).Decode(&p)
	resp.Body.Close()

	waitForTerminal(t, srv, p.ID, 5*time.Second)
	srv.engine.Wait()

	histResp, err := http.Get(ts.URL + "/v1/pipelines/" + p.ID + "/logs/history")
	if err != nil {
		t.Fatalf("GET log history: %v", err)
	}
	defer histResp.Body.Close()

	if histResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", histResp.StatusCode)
	}

	var hist logHistoryResponse
	json.NewDecoder(histResp.Body).Decode(&hist)

	if hist.PipelineID != p.ID {
		t.Errorf("pipeline_id = %q, want %q", hist.PipelineID, p.ID)
	}
	if len(hist.Lines) == 0 {
		t.Fatal("expected log lines in history")
	}
	for i, l := range hist.Lines {
		if l.Seq != i {
			t.Errorf("line %d has seq %d", i, l.Seq)
		}
	}

	// The step lines from the build and push should be present.
	joined := make([]string, len(hist.Lines))
	for i, l := range hist.Lines {
		joined[i] = l.Line
	}
	all := strings.Join(joined, "\n")
	if !strings.Contains(all, "built torch_tensorrt:main") {
		t.Errorf("history missing build output:\n%s", all)
	}
	if !strings.Contains(all, "pushed torch_tensorrt:main") {
		t.Errorf("history missing push output:\n%s", all)
	}
}

func TestLogHistoryNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/pipelines/nonexistent/logs/history")
	if err != nil {
		t.Fatalf("GET log history: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamLogsFinishedPipeline(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, _ := http.Post(ts.URL+"/v1/pipelines", "application/json", bytes.NewBufferString(`{"branch":"main"}`))
	var p model.Pipeline
	json.NewDecoder(resp.Body).Decode(&p)
	resp.Body.Close()

	waitForTerminal(t, srv, p.ID, 5*time.Second)

	// A finished pipeline returns an empty SSE stream immediately.
	streamResp, err := http.Get(ts.URL + "/v1/pipelines/" + p.ID + "/logs")
	if err != nil {
		t.Fatalf("GET logs stream: %v", err)
	}
	defer streamResp.Body.Close()

	if streamResp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", streamResp.StatusCode)
	}
	if ct := streamResp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(streamResp.Body)
	if _, err := reader.ReadString('\n'); err == nil {
		// Some lines may race in before the topic closes; that is fine as
		// long as the stream terminates.
		return
	}
}

func TestStreamLogsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/pipelines/nonexistent/logs")
	if err != nil {
		t.Fatalf("GET logs stream: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
