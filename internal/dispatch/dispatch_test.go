package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/kozaktomas/face-pipeline/internal/analysis"
	"github.com/kozaktomas/face-pipeline/internal/constants"
	"github.com/kozaktomas/face-pipeline/internal/pipeline"
	"github.com/kozaktomas/face-pipeline/internal/store"
	"github.com/kozaktomas/face-pipeline/internal/store/memory"
)

type call struct {
	worker string
	id     string
	data   string
}

// recorder is a Processor that logs every call into a shared journal.
type recorder struct {
	name    string
	journal *journal
	fail    bool
	err     error
	delay   time.Duration
}

type journal struct {
	mu    sync.Mutex
	calls []call
}

func (j *journal) add(c call) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, c)
}

func (j *journal) snapshot() []call {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.calls)
}

func (r *recorder) Process(_ context.Context, id string, data []byte) (pipeline.Result, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.journal.add(call{worker: r.name, id: id, data: string(data)})
	res := pipeline.Result{WorkItemID: id, StoreKey: store.Key(id)}
	if r.err != nil {
		res.ErrorMessage = r.err.Error()
		return res, r.err
	}
	if r.fail {
		res.ErrorMessage = "backend failed"
		return res, nil
	}
	res.Success = true
	return res, nil
}

func newPair() (*recorder, *recorder, *journal) {
	j := &journal{}
	return &recorder{name: "landmark", journal: j}, &recorder{name: "age_gender", journal: j}, j
}

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("img:"+name), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestIsImageFile(t *testing.T) {
	tests := map[string]bool{
		"a.jpg":      true,
		"b.JPEG":     true,
		"c.Png":      true,
		"d.gif":      false,
		"notes.txt":  false,
		"jpg":        false,
		"archive.jp": false,
	}
	for name, want := range tests {
		if got := IsImageFile(name); got != want {
			t.Errorf("IsImageFile(%q) = %v; want %v", name, got, want)
		}
	}
}

func TestNew_CreatesInputDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing", "input")
	landmark, ageGender, _ := newPair()

	if _, err := New(landmark, ageGender, Options{InputDirectory: dir}); err != nil {
		t.Fatalf("New: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("input directory not created: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	landmark, ageGender, _ := newPair()
	if _, err := New(nil, ageGender, Options{InputDirectory: t.TempDir()}); err == nil {
		t.Error("expected error without a landmark worker")
	}
	if _, err := New(landmark, ageGender, Options{}); err == nil {
		t.Error("expected error without an input directory")
	}
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "b.JPEG", "a.jpg", "c.png", "d.gif", "notes.txt", ".hidden.jpg")
	if err := os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755); err != nil {
		t.Fatal(err)
	}
	landmark, ageGender, _ := newPair()
	d, _ := New(landmark, ageGender, Options{InputDirectory: dir})

	paths, err := d.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	var names []string
	for _, p := range paths {
		names = append(names, filepath.Base(p))
	}
	want := []string{"a.jpg", "b.JPEG", "c.png"}
	if !slices.Equal(names, want) {
		t.Errorf("Scan = %v; want %v", names, want)
	}
}

func TestRun_SendsEveryImageToBothWorkers(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.jpg", "b.jpeg", "c.png")
	landmark, ageGender, j := newPair()

	var (
		mu       sync.Mutex
		outcomes []Outcome
	)
	d, _ := New(landmark, ageGender, Options{
		InputDirectory: dir,
		Concurrency:    2,
		OnDone: func(o Outcome) {
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
		},
	})

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary != (Summary{Total: 3, Succeeded: 3}) {
		t.Errorf("summary = %+v", summary)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}

	calls := j.snapshot()
	if len(calls) != 6 {
		t.Fatalf("expected 6 worker calls, got %d", len(calls))
	}
	perID := make(map[string][]call)
	for _, c := range calls {
		perID[c.id] = append(perID[c.id], c)
	}
	if len(perID) != 3 {
		t.Fatalf("expected 3 distinct work item ids, got %d", len(perID))
	}
	for id, cs := range perID {
		if _, err := uuid.Parse(id); err != nil {
			t.Errorf("work item id %q is not a UUID", id)
		}
		if len(cs) != 2 || cs[0].worker == cs[1].worker || cs[0].data != cs[1].data {
			t.Errorf("id %s: expected one call per worker with the same image, got %+v", id, cs)
		}
	}
}

func TestRun_Sequential(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.jpg")
	landmark, ageGender, j := newPair()
	landmark.delay = 20 * time.Millisecond

	d, _ := New(landmark, ageGender, Options{InputDirectory: dir, Sequential: true})
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := j.snapshot()
	if len(calls) != 2 || calls[0].worker != "landmark" || calls[1].worker != "age_gender" {
		t.Errorf("expected landmark then age_gender, got %+v", calls)
	}
}

func TestRun_FailuresAreCountedNotRetried(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.jpg", "b.jpg")
	landmark, ageGender, j := newPair()
	ageGender.fail = true

	var failed []Outcome
	var mu sync.Mutex
	d, _ := New(landmark, ageGender, Options{InputDirectory: dir, OnDone: func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		if !o.OK() {
			failed = append(failed, o)
		}
	}})

	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary != (Summary{Total: 2, Failed: 2}) {
		t.Errorf("summary = %+v", summary)
	}
	if len(j.snapshot()) != 4 {
		t.Errorf("expected exactly one call per worker and image, got %d", len(j.snapshot()))
	}
	for _, o := range failed {
		if o.Err != nil || !o.Landmark.Success || o.AgeGender.ErrorMessage != "backend failed" {
			t.Errorf("unexpected outcome: %+v", o)
		}
	}
}

func TestDispatchFile_TransportError(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.jpg")
	landmark, ageGender, _ := newPair()
	landmark.err = pipeline.ErrTransport

	d, _ := New(landmark, ageGender, Options{InputDirectory: dir, NewID: func() string { return "abc" }})
	outcome := d.DispatchFile(context.Background(), filepath.Join(dir, "a.jpg"))

	if !errors.Is(outcome.Err, pipeline.ErrTransport) {
		t.Errorf("expected ErrTransport, got %v", outcome.Err)
	}
	if outcome.WorkItemID != "abc" || !outcome.AgeGender.Success || outcome.OK() {
		t.Errorf("unexpected outcome: %+v", outcome)
	}
}

func TestDispatchFile_Unreadable(t *testing.T) {
	landmark, ageGender, j := newPair()
	d, _ := New(landmark, ageGender, Options{InputDirectory: t.TempDir()})

	outcome := d.DispatchFile(context.Background(), filepath.Join(t.TempDir(), "gone.jpg"))
	if outcome.Err == nil || outcome.OK() {
		t.Errorf("expected read error, got %+v", outcome)
	}
	if len(j.snapshot()) != 0 {
		t.Error("workers must not be called for an unreadable file")
	}
}

func TestRun_Locked(t *testing.T) {
	dir := t.TempDir()
	other := flock.New(filepath.Join(dir, constants.LockFileName))
	ok, err := other.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock: %v %v", ok, err)
	}
	defer other.Unlock()

	landmark, ageGender, _ := newPair()
	d, _ := New(landmark, ageGender, Options{InputDirectory: dir})
	if _, err := d.Run(context.Background()); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
}

func TestRun_ReleasesLock(t *testing.T) {
	dir := t.TempDir()
	landmark, ageGender, _ := newPair()
	d, _ := New(landmark, ageGender, Options{InputDirectory: dir})

	for i := range 2 {
		if _, err := d.Run(context.Background()); err != nil {
			t.Fatalf("Run #%d: %v", i+1, err)
		}
	}
}

func TestWatch_DispatchesNewFilesOnce(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "first.jpg")
	landmark, ageGender, j := newPair()
	d, _ := New(landmark, ageGender, Options{InputDirectory: dir, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Watch(ctx) }()

	waitForCalls(t, j, 2)

	// Rename into place so the poller never sees a half-written file.
	tmp := filepath.Join(dir, ".second.jpg")
	if err := os.WriteFile(tmp, []byte("img:second"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "second.jpg")); err != nil {
		t.Fatal(err)
	}
	waitForCalls(t, j, 4)

	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}

	calls := j.snapshot()
	if len(calls) != 4 {
		t.Errorf("each file must be dispatched once, got %d calls", len(calls))
	}
	seen := make(map[string]int)
	for _, c := range calls {
		seen[c.data]++
	}
	if seen["img:first.jpg"] != 2 || seen["img:second"] != 2 {
		t.Errorf("unexpected calls: %v", seen)
	}
}

func waitForCalls(t *testing.T, j *journal, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(j.snapshot()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d calls, have %d", n, len(j.snapshot()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type staticDetector struct{}

func (staticDetector) Name() string { return "static" }

func (staticDetector) DetectFaces(context.Context, []byte) (analysis.LandmarkSet, error) {
	return analysis.LandmarkSet{}, nil
}

func TestLocal(t *testing.T) {
	s := memory.New()
	worker := pipeline.NewLandmarkWorker(staticDetector{}, pipeline.WorkerOptions{Store: s})

	res, err := Local(worker).Process(context.Background(), "abc", []byte{1})
	if err != nil || !res.Success || res.StoreKey != "face:abc" {
		t.Fatalf("Local Process = %+v, %v", res, err)
	}
	if ok, _ := s.Exists(context.Background(), "abc", store.FieldLandmarks); !ok {
		t.Error("landmarks should be stored")
	}
}
