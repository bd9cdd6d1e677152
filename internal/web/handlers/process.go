package handlers

import (
	"context"
	"net/http"

	"github.com/kozaktomas/face-pipeline/internal/pipeline"
	"github.com/kozaktomas/face-pipeline/internal/store"
	"github.com/kozaktomas/face-pipeline/internal/transport"
)

// Worker is the part of *pipeline.Worker the process endpoint needs.
type Worker interface {
	Process(ctx context.Context, workItemID string, imageData []byte) pipeline.Result
	Field() store.Field
	Backend() string
	JoinMode() string
	Stats() pipeline.Stats
}

// ProcessHandler serves one analysis worker.
type ProcessHandler struct {
	worker Worker
}

// NewProcessHandler creates a new process handler.
func NewProcessHandler(worker Worker) *ProcessHandler {
	return &ProcessHandler{worker: worker}
}

// Process runs the worker on one image. Domain failures are answered with 200
// and success false; a malformed request gets a 4xx with the same body shape
// and never reaches the worker.
func (h *ProcessHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req transport.ProcessRequest
	if status, err := decodeRequest(r, &req); err != nil {
		respondJSON(w, status, transport.ProcessResponse{ErrorMessage: err.Error()})
		return
	}

	if msg := missingProcessFields(req); msg != "" {
		respondJSON(w, http.StatusBadRequest, transport.ProcessResponse{
			ImageID:      req.ImageID,
			StoreKey:     storeKeyFor(req.ImageID),
			ErrorMessage: "invalid request: " + msg,
		})
		return
	}

	// An accepted image runs to completion even if the caller disconnects.
	res := h.worker.Process(context.WithoutCancel(r.Context()), req.ImageID, req.ImageData)
	respondJSON(w, http.StatusOK, transport.NewProcessResponse(res))
}

func missingProcessFields(req transport.ProcessRequest) string {
	switch {
	case req.ImageID == "":
		return "image_id is required"
	case len(req.ImageData) == 0:
		return "image_data is required"
	}
	return ""
}

func storeKeyFor(id string) string {
	if id == "" {
		return ""
	}
	return store.Key(id)
}

// Health reports liveness together with the worker's counters.
func (h *ProcessHandler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.worker.Stats()
	respondJSON(w, http.StatusOK, transport.HealthResponse{
		Status:   "ok",
		Service:  string(h.worker.Field()),
		Backend:  h.worker.Backend(),
		JoinMode: h.worker.JoinMode(),
		Stats:    &stats,
	})
}
