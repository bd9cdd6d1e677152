// Package transport defines the JSON wire format spoken between the
// dispatcher, the workers and the aggregator, and the typed HTTP clients for
// it. Image bytes travel base64-encoded in the image_data field.
package transport

import "github.com/kozaktomas/face-pipeline/internal/pipeline"

// Routes served by every service.
const (
	ProcessPath   = "/api/v1/process"
	AggregatePath = "/api/v1/aggregate"
	HealthPath    = "/api/v1/health"
)

type ProcessRequest struct {
	ImageData []byte `json:"image_data"`
	ImageID   string `json:"image_id"`
}

type ProcessResponse struct {
	Success      bool   `json:"success"`
	ImageID      string `json:"image_id"`
	StoreKey     string `json:"store_key"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type AggregateRequest struct {
	ImageData []byte `json:"image_data"`
	StoreKey  string `json:"store_key"`
	ImageID   string `json:"image_id"`
}

type AggregateResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SavedPath string `json:"saved_path,omitempty"`
}

// HealthResponse reports liveness; workers include their counters.
type HealthResponse struct {
	Status   string          `json:"status"`
	Service  string          `json:"service"`
	Backend  string          `json:"backend,omitempty"`
	JoinMode string          `json:"join_mode,omitempty"`
	Stats    *pipeline.Stats `json:"stats,omitempty"`
}

// NewProcessResponse converts a worker result to its wire form.
func NewProcessResponse(res pipeline.Result) ProcessResponse {
	return ProcessResponse{
		Success:      res.Success,
		ImageID:      res.WorkItemID,
		StoreKey:     res.StoreKey,
		ErrorMessage: res.ErrorMessage,
	}
}

// NewAggregateResponse converts an aggregator result to its wire form.
func NewAggregateResponse(res pipeline.AggregateResult) AggregateResponse {
	return AggregateResponse{
		Success:   res.Success,
		Message:   res.Message,
		SavedPath: res.SavedPath,
	}
}
