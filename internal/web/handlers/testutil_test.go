package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kozaktomas/face-pipeline/internal/pipeline"
	"github.com/kozaktomas/face-pipeline/internal/store"
)

// fakeWorker records the last Process call and answers with result.
type fakeWorker struct {
	mu       sync.Mutex
	calls    int
	lastID   string
	lastData []byte
	lastCtx  context.Context
	result   func(id string) pipeline.Result
}

func (f *fakeWorker) Process(ctx context.Context, workItemID string, imageData []byte) pipeline.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastCtx = ctx
	f.lastID = workItemID
	f.lastData = imageData
	if f.result != nil {
		return f.result(workItemID)
	}
	return pipeline.Result{Success: true, WorkItemID: workItemID, StoreKey: store.Key(workItemID)}
}

func (f *fakeWorker) Field() store.Field { return store.FieldLandmarks }
func (f *fakeWorker) Backend() string    { return "insightface" }
func (f *fakeWorker) JoinMode() string   { return "atomic" }

func (f *fakeWorker) Stats() pipeline.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return pipeline.Stats{Processed: int64(f.calls)}
}

// fakeAggregator records the last Aggregate call.
type fakeAggregator struct {
	lastID  string
	lastCtx context.Context
	result  pipeline.AggregateResult
	err     error
}

func (f *fakeAggregator) Aggregate(ctx context.Context, workItemID string, _ []byte) (pipeline.AggregateResult, error) {
	f.lastID = workItemID
	f.lastCtx = ctx
	return f.result, f.err
}

// postJSON builds a POST request carrying body encoded as JSON.
func postJSON(t *testing.T, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// parseJSONResponse parses a JSON response body into the target
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
