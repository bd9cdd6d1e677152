package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
)

const defaultFaceDetectURL = "http://localhost:8000"

// InsightFaceDetector calls a face server exposing POST /embed/face, the
// InsightFace endpoint that returns one bounding box and detection score per
// face. Embeddings in the reply are ignored.
type InsightFaceDetector struct {
	baseURL string
	client  *http.Client
}

// NewInsightFaceDetector creates a detector for the server at baseURL.
func NewInsightFaceDetector(baseURL string, client *http.Client) *InsightFaceDetector {
	if baseURL == "" {
		baseURL = defaultFaceDetectURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &InsightFaceDetector{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

// faceDetection is one face in the server reply. Pointers distinguish a
// missing field from a zero value.
type faceDetection struct {
	FaceIndex int       `json:"face_index"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  *float64  `json:"det_score"`
}

type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
	Model      string          `json:"model"`
}

func (d *InsightFaceDetector) Name() string {
	return "insightface"
}

// DetectFaces posts the image and normalizes the reply into a LandmarkSet.
func (d *InsightFaceDetector) DetectFaces(ctx context.Context, imageData []byte) (LandmarkSet, error) {
	body, err := postMultipartImage(ctx, d.client, d.baseURL+"/embed/face", imageData)
	if err != nil {
		return nil, err
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return normalizeInsightFace(resp)
}

func normalizeInsightFace(resp faceResponse) (LandmarkSet, error) {
	faces := make(LandmarkSet, 0, len(resp.Faces))
	for i, f := range resp.Faces {
		if len(f.BBox) != 4 {
			return nil, fmt.Errorf("%w: face %d bbox has %d values, want 4", ErrInvalidResult, i, len(f.BBox))
		}
		if f.DetScore == nil {
			return nil, fmt.Errorf("%w: face %d has no det_score", ErrInvalidResult, i)
		}
		faces = append(faces, FaceBox{
			Confidence: *f.DetScore,
			BBox: [4]int{
				int(math.Floor(f.BBox[0])),
				int(math.Floor(f.BBox[1])),
				int(math.Ceil(f.BBox[2])),
				int(math.Ceil(f.BBox[3])),
			},
		})
	}
	if err := faces.Validate(); err != nil {
		return nil, err
	}
	return faces, nil
}
