package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

type pipelineJSON struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	Branch          string `json:"branch"`
	Trigger         string `json:"trigger"`
	ImageTag        string `json:"image_tag"`
	TensorRTVer     string `json:"tensorrt_version"`
	CudnnVer        string `json:"cudnn_version"`
	DeletedUntagged *int   `json:"deleted_untagged"`
	Error           string `json:"error"`
	DurationMS      *int   `json:"duration_ms"`
}

func triggerPipeline(t *testing.T, sp *serverProc, branch string) pipelineJSON {
	t.Helper()
	payload := fmt.Sprintf(`{"branch":%q,"trigger":"push"}`, branch)
	resp, err := http.Post(sp.url+"/v1/pipelines", "application/json", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("POST /v1/pipelines: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 202 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202\nbody: %s", resp.StatusCode, body)
	}
	var p pipelineJSON
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return p
}

func getPipeline(t *testing.T, sp *serverProc, id string) pipelineJSON {
	t.Helper()
	resp, err := http.Get(sp.url + "/v1/pipelines/" + id)
	if err != nil {
		t.Fatalf("GET /v1/pipelines/%s: %v", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var p pipelineJSON
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return p
}

func waitForTerminal(t *testing.T, sp *serverProc, id string) pipelineJSON {
	t.Helper()
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		p := getPipeline(t, sp, id)
		switch p.Status {
		case "succeeded", "failed", "cancelled":
			return p
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("pipeline %s did not reach a terminal status within %v\nstdout:\n%s",
		id, startupTimeout, sp.stdout.String())
	return pipelineJSON{}
}

func TestPipelineRunsToSuccess(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, 100*time.Millisecond)

	created := triggerPipeline(t, sp, "main")
	if created.Status != "pending" {
		t.Errorf("status = %q, want pending", created.Status)
	}
	if len(created.ID) != 26 {
		t.Errorf("id = %q, expected 26-char ULID", created.ID)
	}
	if created.ImageTag != "torch_tensorrt:main" {
		t.Errorf("image_tag = %q, want torch_tensorrt:main", created.ImageTag)
	}

	p := waitForTerminal(t, sp, created.ID)
	if p.Status != "succeeded" {
		t.Fatalf("status = %q, want succeeded (error: %s)", p.Status, p.Error)
	}
	if p.ImageTag != "torch_tensorrt:main" {
		t.Errorf("image_tag = %q, want torch_tensorrt:main after completion", p.ImageTag)
	}
	if p.TensorRTVer != "10.3.0" || p.CudnnVer != "8.9.7" {
		t.Errorf("versions = %s/%s, want 10.3.0/8.9.7", p.TensorRTVer, p.CudnnVer)
	}
	// The test server seeds two stale untagged versions for cleanup to remove.
	if p.DeletedUntagged == nil || *p.DeletedUntagged != 2 {
		t.Errorf("deleted_untagged = %v, want 2", p.DeletedUntagged)
	}
	if p.DurationMS == nil {
		t.Error("duration_ms not set on finished pipeline")
	}
}

func TestPipelineBranchSlashesBecomeDashes(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, 50*time.Millisecond)

	created := triggerPipeline(t, sp, "release/2.5")
	if created.ImageTag != "torch_tensorrt:release-2.5" {
		t.Errorf("image_tag = %q, want torch_tensorrt:release-2.5", created.ImageTag)
	}
}

func TestSecondTriggerSupersedesFirst(t *testing.T) {
	binary := getBinary(t)
	// Slow build so the second trigger lands while the first is in flight.
	sp := startServer(t, binary, 3*time.Second)

	first := triggerPipeline(t, sp, "main")

	// Give the first run a moment to leave pending.
	time.Sleep(300 * time.Millisecond)

	second := triggerPipeline(t, sp, "main")

	p1 := waitForTerminal(t, sp, first.ID)
	if p1.Status != "cancelled" {
		t.Errorf("first status = %q, want cancelled", p1.Status)
	}

	p2 := waitForTerminal(t, sp, second.ID)
	if p2.Status != "succeeded" {
		t.Errorf("second status = %q, want succeeded (error: %s)", p2.Status, p2.Error)
	}
}

func TestDifferentBranchesDoNotInterfere(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, 500*time.Millisecond)

	pMain := triggerPipeline(t, sp, "main")
	pNightly := triggerPipeline(t, sp, "nightly")

	if s := waitForTerminal(t, sp, pMain.ID).Status; s != "succeeded" {
		t.Errorf("main status = %q, want succeeded", s)
	}
	if s := waitForTerminal(t, sp, pNightly.ID).Status; s != "succeeded" {
		t.Errorf("nightly status = %q, want succeeded", s)
	}
}

func TestPipelineLogHistory(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, 50*time.Millisecond)

	created := triggerPipeline(t, sp, "main")
	waitForTerminal(t, sp, created.ID)

	resp, err := http.Get(sp.url + "/v1/pipelines/" + created.ID + "/logs/history")
	if err != nil {
		t.Fatalf("GET logs/history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var history struct {
		PipelineID string `json:"pipeline_id"`
		Lines      []struct {
			Seq  int    `json:"seq"`
			Line string `json:"line"`
		} `json:"lines"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if history.PipelineID != created.ID {
		t.Errorf("pipeline_id = %q, want %q", history.PipelineID, created.ID)
	}
	if len(history.Lines) == 0 {
		t.Fatal("no log lines recorded")
	}
	for i := 1; i < len(history.Lines); i++ {
		if history.Lines[i].Seq <= history.Lines[i-1].Seq {
			t.Errorf("seq not strictly increasing at index %d", i)
		}
	}

	joined := ""
	for _, l := range history.Lines {
		joined += l.Line + "\n"
	}
	for _, want := range []string{
		"resolved tensorrt=10.3.0 cudnn=8.9.7",
		"[push] pushed torch_tensorrt:main",
		"cleanup deleted 2 untagged versions",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("log history missing %q\ngot:\n%s", want, joined)
		}
	}
}

func TestPipelineListAndStats(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary, 50*time.Millisecond)

	created := triggerPipeline(t, sp, "main")
	waitForTerminal(t, sp, created.ID)

	resp, err := http.Get(sp.url + "/v1/pipelines?limit=10")
	if err != nil {
		t.Fatalf("GET /v1/pipelines: %v", err)
	}
	var list struct {
		Pipelines []pipelineJSON `json:"pipelines"`
		Total     int            `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	resp.Body.Close()
	if list.Total != 1 || len(list.Pipelines) != 1 {
		t.Fatalf("list = %d/%d entries, want 1", list.Total, len(list.Pipelines))
	}

	resp, err = http.Get(sp.url + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()
	var stats struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"by_status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.Total != 1 || stats.ByStatus["succeeded"] != 1 {
		t.Errorf("stats = %+v, want one succeeded pipeline", stats)
	}
}
