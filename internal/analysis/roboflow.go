package analysis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultRoboflowURL   = "https://detect.roboflow.com"
	defaultRoboflowModel = "face-detection-mik1i/21"
)

// RoboflowDetector calls the Roboflow hosted inference API with a face
// detection model.
type RoboflowDetector struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

// NewRoboflowDetector creates a detector. apiKey is required by the hosted API.
func NewRoboflowDetector(baseURL, model, apiKey string, client *http.Client) (*RoboflowDetector, error) {
	if apiKey == "" {
		return nil, errors.New("ROBOFLOW_API_KEY is required for the roboflow landmark provider")
	}
	if baseURL == "" {
		baseURL = defaultRoboflowURL
	}
	if model == "" {
		model = defaultRoboflowModel
	}
	if client == nil {
		client = &http.Client{}
	}
	return &RoboflowDetector{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   strings.Trim(model, "/"),
		apiKey:  apiKey,
		client:  client,
	}, nil
}

// roboflowPrediction holds one detection. Roboflow reports the box center and
// size; every coordinate field is required.
type roboflowPrediction struct {
	X          *float64 `json:"x"`
	Y          *float64 `json:"y"`
	Width      *float64 `json:"width"`
	Height     *float64 `json:"height"`
	Confidence *float64 `json:"confidence"`
	Class      string   `json:"class"`
}

type roboflowResponse struct {
	Predictions []roboflowPrediction `json:"predictions"`
	Image       struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"image"`
}

func (d *RoboflowDetector) Name() string {
	return "roboflow:" + d.model
}

// DetectFaces posts the base64 image and converts center boxes to corners.
func (d *RoboflowDetector) DetectFaces(ctx context.Context, imageData []byte) (LandmarkSet, error) {
	endpoint := fmt.Sprintf("%s/%s?api_key=%s", d.baseURL, d.model, url.QueryEscape(d.apiKey))
	body := strings.NewReader(base64.StdEncoding.EncodeToString(imageData))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	respBody, err := do(d.client, req)
	if err != nil {
		return nil, err
	}

	var resp roboflowResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return normalizeRoboflow(resp.Predictions)
}

func normalizeRoboflow(predictions []roboflowPrediction) (LandmarkSet, error) {
	faces := make(LandmarkSet, 0, len(predictions))
	for i, p := range predictions {
		var missing []string
		if p.X == nil {
			missing = append(missing, "x")
		}
		if p.Y == nil {
			missing = append(missing, "y")
		}
		if p.Width == nil {
			missing = append(missing, "width")
		}
		if p.Height == nil {
			missing = append(missing, "height")
		}
		if p.Confidence == nil {
			missing = append(missing, "confidence")
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: prediction %d missing %s", ErrInvalidResult, i, strings.Join(missing, ", "))
		}

		x, y, w, h := *p.X, *p.Y, *p.Width, *p.Height
		box := [4]int{
			int(math.Floor(x - w/2)),
			int(math.Floor(y - h/2)),
			int(math.Ceil(x + w/2)),
			int(math.Ceil(y + h/2)),
		}
		// Zero-area predictions carry no face.
		if box[2] <= box[0] || box[3] <= box[1] {
			continue
		}
		faces = append(faces, FaceBox{Confidence: *p.Confidence, BBox: box})
	}
	if err := faces.Validate(); err != nil {
		return nil, err
	}
	return faces, nil
}
