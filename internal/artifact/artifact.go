// Package artifact persists final per-image records: the image as <id>.jpg
// and the merged analysis as <id>.json in one output directory.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/kozaktomas/face-pipeline/internal/analysis"
)

const (
	imageExt  = ".jpg"
	recordExt = ".json"
)

var (
	// ErrInvalidID is returned for ids that cannot be used as a file name.
	ErrInvalidID = errors.New("invalid work item id")
	// ErrNotFound is returned by Read when no record exists for the id.
	ErrNotFound = errors.New("artifact not found")
)

// Record is the merged result for one image.
type Record struct {
	ImageID   string                   `json:"image_id"`
	Landmarks analysis.LandmarkSet     `json:"landmarks"`
	AgeGender analysis.AgeGenderResult `json:"age_gender"`
	Timestamp float64                  `json:"timestamp"` // seconds since the Unix epoch
}

// Time converts the record timestamp back to a time.Time.
func (r *Record) Time() time.Time {
	sec := int64(r.Timestamp)
	nsec := int64((r.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Timestamp converts t to float seconds since the Unix epoch.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Entry describes a stored artifact pair.
type Entry struct {
	ID         string
	ImagePath  string
	RecordPath string
	ImageSize  int64
	ModTime    time.Time
}

// FileSink writes artifacts to a local directory.
type FileSink struct {
	dir    string
	logger *slog.Logger
}

// NewFileSink creates the output directory when it does not exist.
func NewFileSink(dir string, logger *slog.Logger) (*FileSink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("artifact: output directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: ensure output dir: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FileSink{dir: dir, logger: logger}, nil
}

// Dir returns the output directory.
func (s *FileSink) Dir() string {
	return s.dir
}

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func (s *FileSink) imagePath(id string) string {
	return filepath.Join(s.dir, id+imageExt)
}

func (s *FileSink) recordPath(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

// Save writes the image and then the record, each atomically, and returns the
// record path. Saving the same record twice overwrites both files.
func (s *FileSink) Save(ctx context.Context, rec *Record, imageData []byte) (string, error) {
	if err := checkID(rec.ImageID); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	jpg, err := ToJPEG(imageData)
	if err != nil {
		return "", err
	}

	out := *rec
	if out.Landmarks == nil {
		out.Landmarks = analysis.LandmarkSet{}
	}
	payload, err := json.MarshalIndent(&out, "", "    ")
	if err != nil {
		return "", fmt.Errorf("artifact: encode record: %w", err)
	}

	imagePath := s.imagePath(rec.ImageID)
	if err := writeFileAtomic(imagePath, jpg, 0o644); err != nil {
		return "", fmt.Errorf("artifact: write image: %w", err)
	}
	recordPath := s.recordPath(rec.ImageID)
	if err := writeFileAtomic(recordPath, payload, 0o644); err != nil {
		return "", fmt.Errorf("artifact: write record: %w", err)
	}

	s.logger.DebugContext(ctx, "artifact saved",
		slog.String("image_id", rec.ImageID),
		slog.String("record", recordPath),
		slog.Int("image_bytes", len(jpg)),
	)
	return recordPath, nil
}

// Read loads the record stored for id.
func (s *FileSink) Read(id string) (*Record, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.recordPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: read record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("artifact: decode record %s: %w", id, err)
	}
	return &rec, nil
}

// List returns every id that has a record, newest first.
func (s *FileSink) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("artifact: list output dir: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, recordExt) || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(name, recordExt)
		entry := Entry{
			ID:         id,
			RecordPath: s.recordPath(id),
			ModTime:    info.ModTime(),
		}
		if imgInfo, err := os.Stat(s.imagePath(id)); err == nil {
			entry.ImagePath = s.imagePath(id)
			entry.ImageSize = imgInfo.Size()
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].ModTime.After(entries[j].ModTime)
	})
	return entries, nil
}

// ToJPEG returns JPEG input unchanged and re-encodes any other decodable
// image format.
func ToJPEG(data []byte) ([]byte, error) {
	if analysis.DetectMIMEType(data) == "image/jpeg" {
		return data, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("artifact: decode image: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("artifact: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
