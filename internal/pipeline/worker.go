// Package pipeline coordinates the two analysis workers and the aggregator.
// Workers share nothing but the partial result store; the worker whose write
// completes a record triggers aggregation for it.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/face-pipeline/internal/analysis"
	"github.com/kozaktomas/face-pipeline/internal/config"
	"github.com/kozaktomas/face-pipeline/internal/store"
)

// Result is the outcome of one Process call.
type Result struct {
	Success      bool
	WorkItemID   string
	StoreKey     string
	ErrorMessage string
}

// Trigger starts aggregation for a work item whose record is complete. The
// in-process Aggregator and the HTTP aggregator client both satisfy it.
type Trigger interface {
	Aggregate(ctx context.Context, workItemID string, imageData []byte) (AggregateResult, error)
}

// Stats are cumulative counters for one worker.
type Stats struct {
	Processed           int64 `json:"processed"`
	Failed              int64 `json:"failed"`
	Joins               int64 `json:"joins"`
	AggregationFailures int64 `json:"aggregation_failures"`
}

// WorkerOptions carries the dependencies shared by both worker kinds.
type WorkerOptions struct {
	Store          store.Store
	Aggregator     Trigger
	JoinMode       string        // config.JoinModeAtomic (default) or config.JoinModeCheckSibling
	BackendTimeout time.Duration // zero means the backend call is not bounded
	Logger         *slog.Logger
}

// analyzeFunc runs the backend and returns the JSON payload for the field.
type analyzeFunc func(ctx context.Context, imageData []byte) ([]byte, error)

// Worker runs one analysis backend and records its output.
type Worker struct {
	field          store.Field
	backend        string
	analyze        analyzeFunc
	store          store.Store
	aggregator     Trigger
	joinMode       string
	backendTimeout time.Duration
	logger         *slog.Logger

	processed           atomic.Int64
	failed              atomic.Int64
	joins               atomic.Int64
	aggregationFailures atomic.Int64
}

// NewLandmarkWorker creates the worker that owns the landmarks field.
func NewLandmarkWorker(detector analysis.LandmarkDetector, opts WorkerOptions) *Worker {
	analyze := func(ctx context.Context, imageData []byte) ([]byte, error) {
		faces, err := detector.DetectFaces(ctx, imageData)
		if err != nil {
			return nil, err
		}
		if faces == nil {
			faces = analysis.LandmarkSet{}
		}
		if err := faces.Validate(); err != nil {
			return nil, err
		}
		return json.Marshal(faces)
	}
	return newWorker(store.FieldLandmarks, detector.Name(), analyze, opts)
}

// NewAgeGenderWorker creates the worker that owns the age_gender field.
func NewAgeGenderWorker(estimator analysis.AgeGenderEstimator, opts WorkerOptions) *Worker {
	analyze := func(ctx context.Context, imageData []byte) ([]byte, error) {
		result, err := estimator.EstimateAgeGender(ctx, imageData)
		if err != nil {
			return nil, err
		}
		if err := result.Validate(); err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}
	return newWorker(store.FieldAgeGender, estimator.Name(), analyze, opts)
}

func newWorker(field store.Field, backend string, analyze analyzeFunc, opts WorkerOptions) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	joinMode := opts.JoinMode
	if joinMode == "" {
		joinMode = config.JoinModeAtomic
	}
	return &Worker{
		field:          field,
		backend:        backend,
		analyze:        analyze,
		store:          opts.Store,
		aggregator:     opts.Aggregator,
		joinMode:       joinMode,
		backendTimeout: opts.BackendTimeout,
		logger:         logger.With(slog.String("worker", string(field)), slog.String("backend", backend)),
	}
}

// Field returns the store field this worker writes.
func (w *Worker) Field() store.Field {
	return w.field
}

// Backend returns the name of the analysis backend.
func (w *Worker) Backend() string {
	return w.backend
}

// JoinMode returns the configured join mode.
func (w *Worker) JoinMode() string {
	return w.joinMode
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Processed:           w.processed.Load(),
		Failed:              w.failed.Load(),
		Joins:               w.joins.Load(),
		AggregationFailures: w.aggregationFailures.Load(),
	}
}

// Process analyzes the image, records the result and triggers aggregation
// when this write completes the record. Every failure is reported in the
// Result. The outcome of aggregation is logged and never changes it.
func (w *Worker) Process(ctx context.Context, workItemID string, imageData []byte) Result {
	start := time.Now()
	res := Result{WorkItemID: workItemID, StoreKey: store.Key(workItemID)}

	joined, err := w.process(ctx, workItemID, imageData)
	if err != nil {
		w.failed.Add(1)
		w.logger.WarnContext(ctx, "processing failed",
			slog.String("work_item", workItemID),
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err),
		)
		res.ErrorMessage = err.Error()
		return res
	}

	w.processed.Add(1)
	res.Success = true
	w.logger.InfoContext(ctx, "partial result stored",
		slog.String("work_item", workItemID),
		slog.Bool("joined", joined),
		slog.Duration("duration", time.Since(start)),
	)

	if joined {
		w.joins.Add(1)
		w.aggregate(ctx, workItemID, imageData)
	}
	return res
}

func (w *Worker) process(ctx context.Context, workItemID string, imageData []byte) (bool, error) {
	if workItemID == "" {
		return false, fmt.Errorf("%w: image_id is required", ErrInvalidRequest)
	}
	if len(imageData) == 0 {
		return false, fmt.Errorf("%w: image_data is empty", ErrInvalidRequest)
	}

	backendCtx := ctx
	if w.backendTimeout > 0 {
		var cancel context.CancelFunc
		backendCtx, cancel = context.WithTimeout(ctx, w.backendTimeout)
		defer cancel()
	}
	payload, err := w.analyze(backendCtx, imageData)
	if err != nil {
		return false, backendError(w.backend, err)
	}

	return w.record(ctx, workItemID, payload)
}

// record writes the payload and decides whether this worker triggers
// aggregation.
func (w *Worker) record(ctx context.Context, workItemID string, payload []byte) (bool, error) {
	if w.joinMode != config.JoinModeCheckSibling {
		joined, err := w.store.Complete(ctx, workItemID, w.field, payload)
		if err != nil {
			return false, storeError("complete", err)
		}
		return joined, nil
	}

	// Put then check the siblings. Two workers that both Put before either
	// checks will both trigger, and a store that hides concurrent writes can
	// make both miss.
	if err := w.store.Put(ctx, workItemID, w.field, payload); err != nil {
		return false, storeError("put", err)
	}
	for _, other := range w.field.Others() {
		present, err := w.store.Exists(ctx, workItemID, other)
		if err != nil {
			return false, storeError("exists "+string(other), err)
		}
		if !present {
			return false, nil
		}
	}
	return true, nil
}

func (w *Worker) aggregate(ctx context.Context, workItemID string, imageData []byte) {
	if w.aggregator == nil {
		w.logger.WarnContext(ctx, "record complete but no aggregator is configured",
			slog.String("work_item", workItemID))
		return
	}

	// The request that completed the join may be canceled by its caller once
	// the worker replies; aggregation must not be cut short by that.
	result, err := w.aggregator.Aggregate(context.WithoutCancel(ctx), workItemID, imageData)
	if err != nil {
		w.aggregationFailures.Add(1)
		w.logger.ErrorContext(ctx, "aggregation failed",
			slog.String("work_item", workItemID),
			slog.Any("error", err),
		)
		return
	}
	w.logger.InfoContext(ctx, "aggregation triggered",
		slog.String("work_item", workItemID),
		slog.String("saved_path", result.SavedPath),
	)
}
