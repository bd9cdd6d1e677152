package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-pipeline/internal/artifact"
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Inspect the aggregated results in the output directory",
}

var artifactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List aggregated results, newest first",
	Long: `List every <id>.json in the output directory with its face count, age and
gender labels.

Examples:
  face-pipeline artifacts list
  face-pipeline artifacts list --output ./output --limit 20
  face-pipeline artifacts list --json`,
	Args: cobra.NoArgs,
	RunE: runArtifactsList,
}

var artifactsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the record of one work item",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsShow,
}

func init() {
	rootCmd.AddCommand(artifactsCmd)
	artifactsCmd.AddCommand(artifactsListCmd)
	artifactsCmd.AddCommand(artifactsShowCmd)

	artifactsCmd.PersistentFlags().String("output", "", "Output directory (overrides OUTPUT_DIRECTORY)")
	artifactsListCmd.Flags().Int("limit", 0, "Limit number of results (0 = no limit)")
	artifactsListCmd.Flags().Bool("json", false, "Output as JSON")
}

func openSink(cmd *cobra.Command) (*artifact.FileSink, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	dir, _ := cmd.Flags().GetString("output")
	if dir == "" {
		dir = cfg.Pipeline.OutputDirectory
	}
	return artifact.NewFileSink(dir, logger)
}

// artifactRow is one line of the list output.
type artifactRow struct {
	ID        string    `json:"image_id"`
	Faces     int       `json:"faces"`
	Age       string    `json:"age"`
	Gender    string    `json:"gender"`
	ImagePath string    `json:"image_path,omitempty"`
	ImageSize int64     `json:"image_size"`
	Written   time.Time `json:"written"`
	Error     string    `json:"error,omitempty"`
}

func runArtifactsList(cmd *cobra.Command, args []string) error {
	sink, err := openSink(cmd)
	if err != nil {
		return err
	}
	entries, err := sink.List()
	if err != nil {
		return err
	}
	if limit := mustGetInt(cmd, "limit"); limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	rows := make([]artifactRow, 0, len(entries))
	for _, e := range entries {
		row := artifactRow{ID: e.ID, ImagePath: e.ImagePath, ImageSize: e.ImageSize, Written: e.ModTime}
		rec, err := sink.Read(e.ID)
		if err != nil {
			row.Error = err.Error()
		} else {
			row.Faces = len(rec.Landmarks)
			row.Age = rec.AgeGender.Age.Label
			row.Gender = rec.AgeGender.Gender.Label
			row.Written = rec.Time()
		}
		rows = append(rows, row)
	}

	if mustGetBool(cmd, "json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Printf("No artifacts in %s.\n", sink.Dir())
		return nil
	}
	fmt.Println(renderArtifactTable(rows))
	fmt.Printf("%d artifact(s) in %s\n", len(rows), sink.Dir())
	return nil
}

func renderArtifactTable(rows []artifactRow) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Faces", "Age", "Gender", "Image", "Written"})
	for _, r := range rows {
		if r.Error != "" {
			tw.AppendRow(table.Row{r.ID, "-", "-", "-", formatSize(r.ImageSize), "unreadable: " + r.Error})
			continue
		}
		tw.AppendRow(table.Row{r.ID, strconv.Itoa(r.Faces), r.Age, r.Gender, formatSize(r.ImageSize), r.Written.Local().Format(time.DateTime)})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

func formatSize(n int64) string {
	switch {
	case n <= 0:
		return "-"
	case n < 1<<10:
		return fmt.Sprintf("%d B", n)
	case n < 1<<20:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	}
}

func runArtifactsShow(cmd *cobra.Command, args []string) error {
	sink, err := openSink(cmd)
	if err != nil {
		return err
	}
	rec, err := sink.Read(args[0])
	if errors.Is(err, artifact.ErrNotFound) {
		return fmt.Errorf("no artifact for %s in %s", args[0], sink.Dir())
	}
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
