// Package storetest holds the behavioral checks every Partial Result Store
// backend must pass. Backend test files call Run with a constructor.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kozaktomas/face-pipeline/internal/store"
)

// Factory returns a fresh, empty store. Cleanup is the caller's job.
type Factory func(t *testing.T) store.Store

// Run executes the full contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("PutGetExists", func(t *testing.T) { testPutGetExists(t, newStore(t)) })
	t.Run("PutOverwrites", func(t *testing.T) { testPutOverwrites(t, newStore(t)) })
	t.Run("FieldsIndependent", func(t *testing.T) { testFieldsIndependent(t, newStore(t)) })
	t.Run("CompleteSecondWriterJoins", func(t *testing.T) { testCompleteSecondWriterJoins(t, newStore(t)) })
	t.Run("CompleteRewriteDoesNotJoin", func(t *testing.T) { testCompleteRewrite(t, newStore(t)) })
	t.Run("CompleteAfterPut", func(t *testing.T) { testCompleteAfterPut(t, newStore(t)) })
	t.Run("CompleteConcurrent", func(t *testing.T) { testCompleteConcurrent(t, newStore(t)) })
}

func testGetMissing(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing", store.FieldLandmarks)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	ok, err := s.Exists(ctx, "missing", store.FieldLandmarks)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if ok {
		t.Error("expected missing field to be absent")
	}
}

func testPutGetExists(t *testing.T, s store.Store) {
	ctx := context.Background()
	payload := []byte(`[{"confidence":0.9,"bbox":[10,10,50,50]}]`)

	if err := s.Put(ctx, "w1", store.FieldLandmarks, payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ok, err := s.Exists(ctx, "w1", store.FieldLandmarks)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !ok {
		t.Error("expected field to exist after Put")
	}

	got, err := s.Get(ctx, "w1", store.FieldLandmarks)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("expected %s, got %s", payload, got)
	}
}

func testPutOverwrites(t *testing.T, s store.Store) {
	ctx := context.Background()

	if err := s.Put(ctx, "w1", store.FieldAgeGender, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if err := s.Put(ctx, "w1", store.FieldAgeGender, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := s.Get(ctx, "w1", store.FieldAgeGender)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"v":2}` {
		t.Errorf("expected overwritten payload, got %s", got)
	}
}

func testFieldsIndependent(t *testing.T, s store.Store) {
	ctx := context.Background()

	if err := s.Put(ctx, "w1", store.FieldLandmarks, []byte(`[]`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ok, err := s.Exists(ctx, "w1", store.FieldAgeGender)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if ok {
		t.Error("sibling field should be absent")
	}

	ok, err = s.Exists(ctx, "w2", store.FieldLandmarks)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if ok {
		t.Error("field of another work item should be absent")
	}
}

func testCompleteSecondWriterJoins(t *testing.T, s store.Store) {
	ctx := context.Background()

	joined, err := s.Complete(ctx, "w1", store.FieldLandmarks, []byte(`[]`))
	if err != nil {
		t.Fatalf("first Complete failed: %v", err)
	}
	if joined {
		t.Error("first writer must not join")
	}

	joined, err = s.Complete(ctx, "w1", store.FieldAgeGender, []byte(`{}`))
	if err != nil {
		t.Fatalf("second Complete failed: %v", err)
	}
	if !joined {
		t.Error("second writer must join")
	}

	got, err := s.Get(ctx, "w1", store.FieldAgeGender)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{}` {
		t.Errorf("expected payload written by Complete, got %s", got)
	}
}

func testCompleteRewrite(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.Complete(ctx, "w1", store.FieldLandmarks, []byte(`[]`)); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if joined, err := s.Complete(ctx, "w1", store.FieldAgeGender, []byte(`{}`)); err != nil || !joined {
		t.Fatalf("expected join, got joined=%v err=%v", joined, err)
	}

	joined, err := s.Complete(ctx, "w1", store.FieldAgeGender, []byte(`{}`))
	if err != nil {
		t.Fatalf("retried Complete failed: %v", err)
	}
	if joined {
		t.Error("retry of an already present field must not join again")
	}
}

func testCompleteAfterPut(t *testing.T, s store.Store) {
	ctx := context.Background()

	if err := s.Put(ctx, "w1", store.FieldLandmarks, []byte(`[]`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	joined, err := s.Complete(ctx, "w1", store.FieldAgeGender, []byte(`{}`))
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if !joined {
		t.Error("expected join when sibling was written with Put")
	}
}

func testCompleteConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	const items = 20

	var joins atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, items*len(store.Fields))

	for i := range items {
		id := fmt.Sprintf("item-%d", i)
		for _, field := range store.Fields {
			wg.Add(1)
			go func(field store.Field) {
				defer wg.Done()
				joined, err := s.Complete(ctx, id, field, []byte(`{}`))
				if err != nil {
					errs <- err
					return
				}
				if joined {
					joins.Add(1)
				}
			}(field)
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Complete failed: %v", err)
	}
	if got := joins.Load(); got != items {
		t.Errorf("expected %d joins, got %d", items, got)
	}
}
