package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kozaktomas/face-pipeline/internal/analysis"
	"github.com/kozaktomas/face-pipeline/internal/artifact"
	"github.com/kozaktomas/face-pipeline/internal/store"
)

const aggregatedMessage = "Data aggregated successfully"

// AggregateResult is the outcome of one Aggregate call.
type AggregateResult struct {
	Success   bool
	Message   string
	SavedPath string
}

// Sink persists a final record together with the image.
type Sink interface {
	Save(ctx context.Context, rec *artifact.Record, imageData []byte) (string, error)
}

// Aggregator merges both partial results of a work item into the final
// artifact.
type Aggregator struct {
	store  store.Reader
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewAggregator creates an aggregator reading from r and writing to sink.
func NewAggregator(r store.Reader, sink Sink, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Aggregator{
		store:  r,
		sink:   sink,
		logger: logger.With(slog.String("component", "aggregator")),
		now:    time.Now,
	}
}

// Aggregate reads both fields, merges them with a fresh timestamp and saves
// the artifact. Calling it again for the same work item rewrites the same
// content with a newer timestamp. On failure the result carries a readable
// message and the error is classified with the package error values.
func (a *Aggregator) Aggregate(ctx context.Context, workItemID string, imageData []byte) (AggregateResult, error) {
	savedPath, err := a.aggregate(ctx, workItemID, imageData)
	if err != nil {
		msg := "Error aggregating data: " + err.Error()
		if errors.Is(err, ErrMissingPartial) {
			msg = fmt.Sprintf("Missing data in store for key %s", store.Key(workItemID))
		}
		a.logger.WarnContext(ctx, "aggregation failed",
			slog.String("work_item", workItemID),
			slog.Any("error", err),
		)
		return AggregateResult{Message: msg}, err
	}

	a.logger.InfoContext(ctx, "artifact saved",
		slog.String("work_item", workItemID),
		slog.String("path", savedPath),
	)
	return AggregateResult{Success: true, Message: aggregatedMessage, SavedPath: savedPath}, nil
}

func (a *Aggregator) aggregate(ctx context.Context, workItemID string, imageData []byte) (string, error) {
	if workItemID == "" {
		return "", fmt.Errorf("%w: image_id is required", ErrInvalidRequest)
	}
	if len(imageData) == 0 {
		return "", fmt.Errorf("%w: image_data is empty", ErrInvalidRequest)
	}

	landmarksRaw, err := a.get(ctx, workItemID, store.FieldLandmarks)
	if err != nil {
		return "", err
	}
	ageGenderRaw, err := a.get(ctx, workItemID, store.FieldAgeGender)
	if err != nil {
		return "", err
	}

	rec := &artifact.Record{
		ImageID:   workItemID,
		Timestamp: artifact.Timestamp(a.now()),
	}
	if err := json.Unmarshal(landmarksRaw, &rec.Landmarks); err != nil {
		return "", storeError("decode "+string(store.FieldLandmarks), err)
	}
	var ageGender analysis.AgeGenderResult
	if err := json.Unmarshal(ageGenderRaw, &ageGender); err != nil {
		return "", storeError("decode "+string(store.FieldAgeGender), err)
	}
	rec.AgeGender = ageGender

	path, err := a.sink.Save(ctx, rec, imageData)
	if err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}
	return path, nil
}

func (a *Aggregator) get(ctx context.Context, workItemID string, field store.Field) ([]byte, error) {
	payload, err := a.store.Get(ctx, workItemID, field)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrMissingPartial, store.Key(workItemID), field)
	}
	if err != nil {
		return nil, storeError("get "+string(field), err)
	}
	return payload, nil
}
