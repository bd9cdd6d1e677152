package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kozaktomas/face-pipeline/internal/pipeline"
	"github.com/kozaktomas/face-pipeline/internal/store"
	"github.com/kozaktomas/face-pipeline/internal/transport"
)

// Aggregator is satisfied by *pipeline.Aggregator.
type Aggregator interface {
	Aggregate(ctx context.Context, workItemID string, imageData []byte) (pipeline.AggregateResult, error)
}

// AggregateHandler serves the aggregator.
type AggregateHandler struct {
	aggregator Aggregator
}

// NewAggregateHandler creates a new aggregate handler.
func NewAggregateHandler(aggregator Aggregator) *AggregateHandler {
	return &AggregateHandler{aggregator: aggregator}
}

// Aggregate builds the artifact for one work item.
func (h *AggregateHandler) Aggregate(w http.ResponseWriter, r *http.Request) {
	var req transport.AggregateRequest
	if status, err := decodeRequest(r, &req); err != nil {
		respondJSON(w, status, transport.AggregateResponse{Message: err.Error()})
		return
	}

	workItemID, err := resolveWorkItemID(req)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, transport.AggregateResponse{Message: err.Error()})
		return
	}

	// The artifact is finished even if the caller stops waiting.
	res, err := h.aggregator.Aggregate(context.WithoutCancel(r.Context()), workItemID, req.ImageData)

	status := http.StatusOK
	if errors.Is(err, pipeline.ErrInvalidRequest) {
		status = http.StatusBadRequest
	}
	respondJSON(w, status, transport.NewAggregateResponse(res))
}

// Health reports liveness.
func (h *AggregateHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, transport.HealthResponse{Status: "ok", Service: "aggregator"})
}

// resolveWorkItemID takes the id from image_id, or from store_key when only
// the key is sent. Both present must agree.
func resolveWorkItemID(req transport.AggregateRequest) (string, error) {
	if req.StoreKey == "" {
		return req.ImageID, nil
	}
	fromKey, ok := strings.CutPrefix(req.StoreKey, store.KeyPrefix)
	if !ok || fromKey == "" {
		return "", fmt.Errorf("%w: malformed store_key %q", pipeline.ErrInvalidRequest, req.StoreKey)
	}
	if req.ImageID != "" && req.ImageID != fromKey {
		return "", fmt.Errorf("%w: store_key %q does not match image_id %q", pipeline.ErrInvalidRequest, req.StoreKey, req.ImageID)
	}
	return fromKey, nil
}
