package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"

	"github.com/kozaktomas/face-pipeline/internal/analysis"
	"github.com/kozaktomas/face-pipeline/internal/store"
)

var (
	abcLandmarks = analysis.LandmarkSet{{Confidence: 0.9, BBox: [4]int{10, 10, 50, 50}}}
	abcAgeGender = &analysis.AgeGenderResult{
		Age:    analysis.Prediction{Label: "20-29", Confidence: 0.8},
		Gender: analysis.Prediction{Label: "Male", Confidence: 0.95},
	}
)

type fakeDetector struct {
	faces analysis.LandmarkSet
	err   error
	block bool // wait for the context to end
}

func (d *fakeDetector) Name() string { return "fake-detector" }

func (d *fakeDetector) DetectFaces(ctx context.Context, _ []byte) (analysis.LandmarkSet, error) {
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return d.faces, d.err
}

type fakeEstimator struct {
	result *analysis.AgeGenderResult
	err    error
}

func (e *fakeEstimator) Name() string { return "fake-estimator" }

func (e *fakeEstimator) EstimateAgeGender(context.Context, []byte) (*analysis.AgeGenderResult, error) {
	if e.err != nil {
		return nil, e.err
	}
	copied := *e.result
	return &copied, nil
}

// recordingTrigger counts aggregation calls per work item.
type recordingTrigger struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func newRecordingTrigger() *recordingTrigger {
	return &recordingTrigger{calls: make(map[string]int)}
}

func (r *recordingTrigger) Aggregate(_ context.Context, workItemID string, _ []byte) (AggregateResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[workItemID]++
	if r.err != nil {
		return AggregateResult{Message: r.err.Error()}, r.err
	}
	return AggregateResult{Success: true, Message: aggregatedMessage}, nil
}

func (r *recordingTrigger) count(workItemID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[workItemID]
}

func (r *recordingTrigger) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

// barrierStore holds every Exists call until all expected Puts have landed,
// forcing the interleaving Put, Put, Exists, Exists.
type barrierStore struct {
	store.Store
	puts sync.WaitGroup
}

func newBarrierStore(inner store.Store, puts int) *barrierStore {
	s := &barrierStore{Store: inner}
	s.puts.Add(puts)
	return s
}

func (s *barrierStore) Put(ctx context.Context, id string, field store.Field, payload []byte) error {
	defer s.puts.Done()
	return s.Store.Put(ctx, id, field, payload)
}

func (s *barrierStore) Exists(ctx context.Context, id string, field store.Field) (bool, error) {
	s.puts.Wait()
	return s.Store.Exists(ctx, id, field)
}

// laggingStore models a replica that has not yet seen the sibling's write:
// Exists answers from a snapshot taken before any Put.
type laggingStore struct {
	store.Store
}

func (s *laggingStore) Exists(context.Context, string, store.Field) (bool, error) {
	return false, nil
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := range 8 {
		for y := range 8 {
			img.Set(x, y, color.RGBA{R: 200, G: uint8(x * 30), B: uint8(y * 30), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}
