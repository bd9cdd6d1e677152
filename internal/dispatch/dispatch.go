// Package dispatch feeds the images of an input directory to both analysis
// workers. Every image gets a fresh work item id; the two calls are
// fire-and-forget and their outcomes are only logged.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/kozaktomas/face-pipeline/internal/constants"
	"github.com/kozaktomas/face-pipeline/internal/pipeline"
)

// ErrLocked is returned when another dispatcher holds the input directory.
var ErrLocked = errors.New("another dispatcher is already running on this directory")

// Processor sends one image to a worker. *transport.WorkerClient satisfies
// it; Local wraps an in-process worker.
type Processor interface {
	Process(ctx context.Context, workItemID string, imageData []byte) (pipeline.Result, error)
}

type localProcessor struct {
	worker *pipeline.Worker
}

// Local adapts an in-process worker to Processor.
func Local(worker *pipeline.Worker) Processor {
	return localProcessor{worker: worker}
}

func (p localProcessor) Process(ctx context.Context, workItemID string, imageData []byte) (pipeline.Result, error) {
	return p.worker.Process(ctx, workItemID, imageData), nil
}

// Options configures a Dispatcher.
type Options struct {
	InputDirectory string
	Concurrency    int           // images in flight, default 4
	Sequential     bool          // call the landmark worker before the age/gender worker
	PollInterval   time.Duration // watch mode, default 2s
	Logger         *slog.Logger
	OnDone         func(Outcome) // called once per dispatched image, from any goroutine
	NewID          func() string // defaults to uuid.NewString
}

// Outcome is what happened to one image.
type Outcome struct {
	Path       string
	WorkItemID string
	Landmark   pipeline.Result
	AgeGender  pipeline.Result
	Err        error // the image could not be read or a worker could not be reached
}

// OK reports whether both workers accepted the image.
func (o Outcome) OK() bool {
	return o.Err == nil && o.Landmark.Success && o.AgeGender.Success
}

// Summary counts the outcomes of one pass over the directory.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
}

// Dispatcher scans an input directory and sends each image to both workers.
type Dispatcher struct {
	landmark  Processor
	ageGender Processor
	opts      Options
	logger    *slog.Logger
	lock      *flock.Flock

	mu   sync.Mutex
	seen map[string]struct{}
}

// New creates a dispatcher, creating the input directory if it is missing.
func New(landmark, ageGender Processor, opts Options) (*Dispatcher, error) {
	if landmark == nil || ageGender == nil {
		return nil, errors.New("dispatcher requires both workers")
	}
	if opts.InputDirectory == "" {
		return nil, errors.New("input directory is required")
	}
	if err := os.MkdirAll(opts.InputDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("create input directory: %w", err)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Dispatcher{
		landmark:  landmark,
		ageGender: ageGender,
		opts:      opts,
		logger:    logger.With(slog.String("component", "dispatcher")),
		lock:      flock.New(filepath.Join(opts.InputDirectory, constants.LockFileName)),
		seen:      make(map[string]struct{}),
	}, nil
}

// IsImageFile checks if a file name has an extension the dispatcher accepts.
func IsImageFile(name string) bool {
	return slices.Contains(constants.ImageExtensions, strings.ToLower(filepath.Ext(name)))
}

// Scan lists the image files in the input directory, sorted by name.
// Subdirectories and dotfiles are ignored.
func (d *Dispatcher) Scan() ([]string, error) {
	entries, err := os.ReadDir(d.opts.InputDirectory)
	if err != nil {
		return nil, fmt.Errorf("cannot read input directory: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !IsImageFile(name) {
			continue
		}
		paths = append(paths, filepath.Join(d.opts.InputDirectory, name))
	}
	return paths, nil
}

// Pending returns the scanned images not dispatched yet by this dispatcher.
func (d *Dispatcher) Pending() ([]string, error) {
	paths, err := d.Scan()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.DeleteFunc(paths, func(p string) bool {
		_, ok := d.seen[p]
		return ok
	}), nil
}

// Run dispatches every image currently in the directory once.
func (d *Dispatcher) Run(ctx context.Context) (Summary, error) {
	if err := d.acquire(); err != nil {
		return Summary{}, err
	}
	defer d.release()

	paths, err := d.Pending()
	if err != nil {
		return Summary{}, err
	}
	return d.dispatchAll(ctx, paths), nil
}

// Watch dispatches the images already present and then every new file that
// appears, until ctx is canceled. Each file is dispatched once.
func (d *Dispatcher) Watch(ctx context.Context) error {
	if err := d.acquire(); err != nil {
		return err
	}
	defer d.release()

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		paths, err := d.Pending()
		if err != nil {
			d.logger.ErrorContext(ctx, "scan failed", slog.Any("error", err))
		} else if len(paths) > 0 {
			summary := d.dispatchAll(ctx, paths)
			d.logger.InfoContext(ctx, "dispatched new images",
				slog.Int("total", summary.Total),
				slog.Int("failed", summary.Failed),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) acquire() error {
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

func (d *Dispatcher) release() {
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release dispatcher lock", slog.Any("error", err))
	}
}

func (d *Dispatcher) dispatchAll(ctx context.Context, paths []string) Summary {
	var (
		summary = Summary{Total: len(paths)}
		mu      sync.Mutex
		wg      sync.WaitGroup
		sem     = make(chan struct{}, d.opts.Concurrency)
	)

	for _, path := range paths {
		d.mu.Lock()
		d.seen[path] = struct{}{}
		d.mu.Unlock()

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome := d.DispatchFile(ctx, path)
			mu.Lock()
			if outcome.OK() {
				summary.Succeeded++
			} else {
				summary.Failed++
			}
			mu.Unlock()
			if d.opts.OnDone != nil {
				d.opts.OnDone(outcome)
			}
		}()
	}
	wg.Wait()
	return summary
}

// DispatchFile reads one image and sends it to both workers under a new
// work item id.
func (d *Dispatcher) DispatchFile(ctx context.Context, path string) Outcome {
	outcome := Outcome{Path: path, WorkItemID: d.opts.NewID()}
	logger := d.logger.With(slog.String("file", filepath.Base(path)), slog.String("work_item", outcome.WorkItemID))

	data, err := os.ReadFile(path)
	if err != nil {
		outcome.Err = fmt.Errorf("read image: %w", err)
		logger.ErrorContext(ctx, "cannot read image", slog.Any("error", err))
		return outcome
	}

	var landmarkErr, ageGenderErr error
	if d.opts.Sequential {
		outcome.Landmark, landmarkErr = d.landmark.Process(ctx, outcome.WorkItemID, data)
		outcome.AgeGender, ageGenderErr = d.ageGender.Process(ctx, outcome.WorkItemID, data)
	} else {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			outcome.Landmark, landmarkErr = d.landmark.Process(ctx, outcome.WorkItemID, data)
		}()
		go func() {
			defer wg.Done()
			outcome.AgeGender, ageGenderErr = d.ageGender.Process(ctx, outcome.WorkItemID, data)
		}()
		wg.Wait()
	}
	outcome.Err = errors.Join(landmarkErr, ageGenderErr)

	logResult(ctx, logger, "landmark", outcome.Landmark, landmarkErr)
	logResult(ctx, logger, "age_gender", outcome.AgeGender, ageGenderErr)
	return outcome
}

func logResult(ctx context.Context, logger *slog.Logger, worker string, res pipeline.Result, err error) {
	switch {
	case err != nil:
		logger.ErrorContext(ctx, "worker unreachable", slog.String("worker", worker), slog.Any("error", err))
	case !res.Success:
		logger.WarnContext(ctx, "worker reported failure", slog.String("worker", worker), slog.String("error", res.ErrorMessage))
	default:
		logger.InfoContext(ctx, "worker accepted image", slog.String("worker", worker), slog.String("store_key", res.StoreKey))
	}
}
