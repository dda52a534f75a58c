package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/OpenBMB/ChatDev-sub003/internal/config"
	"github.com/OpenBMB/ChatDev-sub003/internal/run"
	"github.com/OpenBMB/ChatDev-sub003/internal/session"
)

const demoWorkflow = `graph:
  id: demo
  nodes:
    - id: plan
      type: agent
      prompt: "plan {task}"
    - id: build
      type: agent
      prompt: "build from {input}"
  edges:
    - from: plan
      to: build
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Host:            "127.0.0.1",
		Port:            0,
		WareHouseDir:    t.TempDir(),
		YamlDir:         t.TempDir(),
		VueGraphsDBPath: filepath.Join(t.TempDir(), "graphs.db"),
		LogLevel:        "INFO",
		Environment:     "production",
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		rec := doJSON(t, s, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s = %d", path, rec.Code)
		}
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/sessions/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	errBody, _ := body["error"].(map[string]any)
	if errBody["code"] != "RESOURCE_NOT_FOUND" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["timestamp"].(float64); !ok {
		t.Errorf("missing timestamp: %v", body)
	}
}

func TestWorkflowCRUDOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/workflows/upload/content", map[string]any{
		"filename": "demo.yaml", "content": demoWorkflow,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upload = %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["status"] != "success" || body["filename"] != "demo.yaml" {
		t.Errorf("upload body = %v", body)
	}

	rec = doJSON(t, s, http.MethodPost, "/api/workflows/upload/content", map[string]any{
		"filename": "demo.yaml", "content": demoWorkflow,
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate upload = %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPost, "/api/workflows/upload/content", map[string]any{
		"filename": "../evil.yaml", "content": demoWorkflow,
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("traversal upload = %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/workflows", nil)
	body := decodeBody(t, rec)
	workflows, _ := body["workflows"].([]any)
	if len(workflows) != 1 {
		t.Errorf("list = %v", body)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/workflows/demo.yaml", nil)
	body = decodeBody(t, rec)
	if content, _ := body["content"].(string); !strings.Contains(content, "id: demo") {
		t.Errorf("get = %v", body)
	}

	rec = doJSON(t, s, http.MethodPost, "/api/workflows/demo.yaml/copy", map[string]any{"new_name": "copy.yaml"})
	if rec.Code != http.StatusOK {
		t.Errorf("copy = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodPost, "/api/workflows/demo.yaml/rename", map[string]any{"new_name": "renamed.yaml"})
	if rec.Code != http.StatusOK {
		t.Errorf("rename = %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodDelete, "/api/workflows/renamed.yaml", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("delete = %d", rec.Code)
	}
	rec = doJSON(t, s, http.MethodGet, "/api/workflows/renamed.yaml", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get deleted = %d", rec.Code)
	}
}

func multipartBody(t *testing.T, fields map[string]string, fileField, fileName string, fileContent []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatal(err)
		}
	}
	if fileField != "" {
		part, err := writer.CreateFormFile(fileField, fileName)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(fileContent); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, writer.FormDataContentType()
}

func TestUploadAndListAttachments(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.store.Create("u1", "", "", nil); err != nil {
		t.Fatal(err)
	}

	buf, contentType := multipartBody(t, nil, "file", "notes.txt", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/api/uploads/u1", buf)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	attachment, _ := body["attachment"].(map[string]any)
	if attachment["name"] != "notes.txt" {
		t.Errorf("attachment = %v", attachment)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/uploads/u1", nil)
	body = decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Errorf("manifest = %v", body)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/uploads/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session upload list = %d", rec.Code)
	}
}

func TestArtifactEventsLongPoll(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.store.Create("a1", "", "", nil); err != nil {
		t.Fatal(err)
	}
	size := int64(12)
	s.store.ArtifactQueue("a1").AppendMany([]*session.ArtifactEvent{
		{EventID: "e1", FileName: "main.go", MimeType: "text/x-go", Size: &size},
		{EventID: "e2", FileName: "readme.md", MimeType: "text/markdown", Size: &size},
	})

	rec := doJSON(t, s, http.MethodGet, "/api/sessions/a1/artifact-events?wait_seconds=0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("poll = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	events, _ := body["events"].([]any)
	if len(events) != 2 || body["next_cursor"] != float64(2) || body["has_more"] != false {
		t.Errorf("body = %v", body)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/sessions/a1/artifact-events?wait_seconds=0&include_ext=md", nil)
	body = decodeBody(t, rec)
	events, _ = body["events"].([]any)
	if len(events) != 1 {
		t.Errorf("filtered events = %v", body)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/sessions/ghost/artifact-events", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session = %d", rec.Code)
	}
}

func TestArtifactMetaAndStream(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.store.Create("a1", "", "", nil); err != nil {
		t.Fatal(err)
	}
	store, err := s.uploads.StoreFor("a1")
	if err != nil {
		t.Fatal(err)
	}
	record, err := store.RegisterBytes("out.txt", "text/plain", []byte("artifact body"), nil)
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, s, http.MethodGet, "/api/sessions/a1/artifacts/"+record.AttachmentID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("meta = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if uri, _ := body["data_uri"].(string); !strings.HasPrefix(uri, "data:text/plain") {
		t.Errorf("data_uri = %v", body["data_uri"])
	}

	rec = doJSON(t, s, http.MethodGet, "/api/sessions/a1/artifacts/"+record.AttachmentID+"?mode=stream", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "artifact body" {
		t.Errorf("stream = %d %q", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodGet, "/api/sessions/a1/artifacts/"+record.AttachmentID+"?mode=stream&download=1", nil)
	if disposition := rec.Header().Get("Content-Disposition"); !strings.Contains(disposition, "out.txt") {
		t.Errorf("disposition = %q", disposition)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/sessions/a1/artifacts/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing artifact = %d", rec.Code)
	}
}

func TestExecuteEndpointRunsWorkflow(t *testing.T) {
	s := newTestServer(t)
	if err := os.WriteFile(filepath.Join(s.cfg.YamlDir, "demo.yaml"), []byte(demoWorkflow), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.store.Create("e1", "", "", nil); err != nil {
		t.Fatal(err)
	}
	done := make(chan string, 1)
	s.runs.SetRunDoneHook(func(id string) { done <- id })

	rec := doJSON(t, s, http.MethodPost, "/api/workflow/execute", map[string]any{
		"session_id":  "e1",
		"yaml_file":   "demo.yaml",
		"task_prompt": "build a calculator",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("execute = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["status"] != "started" || body["message"] != "Workflow execution started" {
		t.Errorf("execute body = %v", body)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not finish")
	}

	// No WebSocket is attached, so the finished session is garbage
	// collected while its workspace stays downloadable.
	rec = doJSON(t, s, http.MethodGet, "/api/sessions/e1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("session after run = %d", rec.Code)
	}
	rec = doJSON(t, s, http.MethodGet, "/api/sessions/e1/download", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/zip" {
		t.Errorf("download = %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
}

func TestExecuteValidation(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/workflow/execute", map[string]any{"session_id": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing yaml_file = %d", rec.Code)
	}
}

func TestBatchEndpoint(t *testing.T) {
	s := newTestServer(t)
	if err := os.WriteFile(filepath.Join(s.cfg.YamlDir, "demo.yaml"), []byte(demoWorkflow), 0o644); err != nil {
		t.Fatal(err)
	}

	done := make(chan *run.BatchSummary, 1)
	s.batch.SetBatchDoneHook(func(summary *run.BatchSummary) { done <- summary })

	csvData := "id,task\nt1,first task\nt2,second task\n"
	buf, contentType := multipartBody(t, map[string]string{
		"yaml_file":    "demo.yaml",
		"session_id":   "b1",
		"max_parallel": "2",
	}, "file", "tasks.csv", []byte(csvData))

	req := httptest.NewRequest(http.MethodPost, "/api/workflows/batch", buf)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("batch = %d: %s", rec.Code, rec.Body.String())
	}

	// The endpoint acknowledges the spawn before the batch runs.
	body := decodeBody(t, rec)
	if body["status"] != "accepted" || body["session_id"] != "b1" || body["task_count"] != float64(2) {
		t.Errorf("accept body = %v", body)
	}
	batchID, _ := body["batch_id"].(string)
	if batchID == "" {
		t.Fatalf("accept body missing batch_id: %v", body)
	}

	var summary *run.BatchSummary
	select {
	case summary = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not finish")
	}
	if summary.BatchID != batchID || summary.Total != 2 || summary.Succeeded != 2 {
		t.Errorf("summary = %+v", summary)
	}
	resultsPath := filepath.Join(s.cfg.WareHouseDir, "session_b1", "batch_results.csv")
	if _, err := os.Stat(resultsPath); err != nil {
		t.Errorf("batch_results.csv missing: %v", err)
	}
}

func TestVueGraphEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/vuegraphs", map[string]any{
		"name": "draft",
		"data": map[string]any{"nodes": []any{}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("save = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodGet, "/api/vuegraphs/draft", nil)
	body := decodeBody(t, rec)
	if data, _ := body["data"].(map[string]any); data == nil {
		t.Errorf("get = %v", body)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/vuegraphs", nil)
	body = decodeBody(t, rec)
	if graphs, _ := body["graphs"].([]any); len(graphs) != 1 {
		t.Errorf("list = %v", body)
	}

	rec = doJSON(t, s, http.MethodDelete, "/api/vuegraphs/draft", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("delete = %d", rec.Code)
	}
	rec = doJSON(t, s, http.MethodGet, "/api/vuegraphs/draft", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get deleted = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	doJSON(t, s, http.MethodGet, "/health", nil)

	rec := doJSON(t, s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "chatdev_http_requests_total") {
		t.Error("request counter missing from scrape")
	}
}
