package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-pipeline/internal/config"
	"github.com/kozaktomas/face-pipeline/internal/dispatch"
	"github.com/kozaktomas/face-pipeline/internal/transport"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Send the images of the input directory to both workers",
	Long: `Send every .jpg, .jpeg and .png file of the input directory to the landmark
and age/gender workers. Each image gets a new UUID as its work item id.
Results are fire-and-forget: failures are reported, never retried.

With --watch the dispatcher keeps polling the directory and sends every new
file once.

Examples:
  face-pipeline dispatch --input ./input
  face-pipeline dispatch --watch --concurrency 8`,
	Args: cobra.NoArgs,
	RunE: runDispatch,
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
	addDispatchFlags(dispatchCmd)
}

func addDispatchFlags(c *cobra.Command) {
	c.Flags().String("input", "", "Input directory (overrides INPUT_DIRECTORY)")
	c.Flags().Int("concurrency", 0, "Images in flight (overrides DISPATCH_CONCURRENCY)")
	c.Flags().Bool("sequential", false, "Call the landmark worker before the age/gender worker instead of both at once")
	c.Flags().Bool("watch", false, "Keep polling the input directory for new images")
	c.Flags().Duration("poll-interval", 0, "Polling interval in watch mode (overrides DISPATCH_POLL_INTERVAL)")
}

// applyDispatchFlags copies the dispatch flags over the configuration.
func applyDispatchFlags(cmd *cobra.Command, cfg *config.Config) {
	if input := mustGetString(cmd, "input"); input != "" {
		cfg.Dispatch.InputDirectory = input
	}
	if n := mustGetInt(cmd, "concurrency"); n > 0 {
		cfg.Dispatch.Concurrency = n
	}
	if d := mustGetDuration(cmd, "poll-interval"); d > 0 {
		cfg.Dispatch.PollInterval = d
	}
}

func runDispatch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyDispatchFlags(cmd, cfg)

	landmark, err := transport.NewWorkerClient(cfg.Services.LandmarkAddr, cfg.Pipeline.TransportTimeout)
	if err != nil {
		return fmt.Errorf("landmark worker address: %w", err)
	}
	ageGender, err := transport.NewWorkerClient(cfg.Services.AgeGenderAddr, cfg.Pipeline.TransportTimeout)
	if err != nil {
		return fmt.Errorf("age/gender worker address: %w", err)
	}

	for _, c := range []*transport.WorkerClient{landmark, ageGender} {
		if _, err := c.Health(cmd.Context()); err != nil {
			logger.Warn("worker health check failed", slog.String("url", c.URL()), slog.Any("error", err))
		}
	}

	return dispatchImages(cmd, cfg, logger, landmark, ageGender)
}

// dispatchImages runs one pass over the input directory, or watches it until
// interrupted.
func dispatchImages(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger, landmark, ageGender dispatch.Processor) error {
	watch := mustGetBool(cmd, "watch")
	report := newDispatchReport(os.Stderr)

	d, err := dispatch.New(landmark, ageGender, dispatch.Options{
		InputDirectory: cfg.Dispatch.InputDirectory,
		Concurrency:    cfg.Dispatch.Concurrency,
		Sequential:     mustGetBool(cmd, "sequential"),
		PollInterval:   cfg.Dispatch.PollInterval,
		Logger:         logger,
		OnDone:         report.done,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watch {
		fmt.Printf("Watching %s for new images (Ctrl+C to stop)\n", cfg.Dispatch.InputDirectory)
		report.start(-1)
		err := d.Watch(ctx)
		report.finish()
		if errors.Is(err, dispatch.ErrLocked) {
			return fmt.Errorf("%s: %w", cfg.Dispatch.InputDirectory, err)
		}
		return err
	}

	pending, err := d.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Printf("No image files found in %s.\n", cfg.Dispatch.InputDirectory)
		return nil
	}
	fmt.Printf("Found %d image(s) in %s\n", len(pending), cfg.Dispatch.InputDirectory)

	report.start(len(pending))
	summary, err := d.Run(ctx)
	report.finish()
	if err != nil {
		return fmt.Errorf("%s: %w", cfg.Dispatch.InputDirectory, err)
	}

	fmt.Printf("\nDispatched %d image(s): %d accepted by both workers, %d failed\n",
		summary.Total, summary.Succeeded, summary.Failed)
	for _, msg := range report.failures() {
		fmt.Printf("Failed: %s\n", msg)
	}
	return nil
}

// dispatchReport drives a progress bar when stderr is a terminal and
// collects failure messages.
type dispatchReport struct {
	out      io.Writer
	terminal bool

	mu     sync.Mutex
	bar    *progressbar.ProgressBar
	failed []string
}

func newDispatchReport(out *os.File) *dispatchReport {
	fd := out.Fd()
	return &dispatchReport{
		out:      out,
		terminal: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
	}
}

// start creates the bar; a negative total shows a spinner.
func (r *dispatchReport) start(total int) {
	if !r.terminal {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(r.out),
		progressbar.OptionSetDescription("Dispatching"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func (r *dispatchReport) done(o dispatch.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !o.OK() {
		r.failed = append(r.failed, describeFailure(o))
	}
	if r.bar != nil {
		r.bar.Add(1)
	}
}

func (r *dispatchReport) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bar != nil {
		r.bar.Finish()
		r.bar = nil
	}
}

func (r *dispatchReport) failures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func describeFailure(o dispatch.Outcome) string {
	name := filepath.Base(o.Path)
	switch {
	case o.Err != nil:
		return fmt.Sprintf("%s (%s): %v", name, o.WorkItemID, o.Err)
	case !o.Landmark.Success:
		return fmt.Sprintf("%s (%s): landmark: %s", name, o.WorkItemID, o.Landmark.ErrorMessage)
	default:
		return fmt.Sprintf("%s (%s): age/gender: %s", name, o.WorkItemID, o.AgeGender.ErrorMessage)
	}
}

