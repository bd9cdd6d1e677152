package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const defaultClassifierURL = "http://localhost:8001"

// ClassifierEstimator calls an image-classification server with one endpoint
// per task, /classify/age and /classify/gender. Each returns the label/score
// list produced by a transformers image-classification pipeline.
type ClassifierEstimator struct {
	baseURL string
	client  *http.Client
}

// NewClassifierEstimator creates an estimator for the server at baseURL.
func NewClassifierEstimator(baseURL string, client *http.Client) *ClassifierEstimator {
	if baseURL == "" {
		baseURL = defaultClassifierURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &ClassifierEstimator{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

type classification struct {
	Label *string  `json:"label"`
	Score *float64 `json:"score"`
}

func (e *ClassifierEstimator) Name() string {
	return "classifier"
}

// EstimateAgeGender queries both tasks and keeps the top label of each.
func (e *ClassifierEstimator) EstimateAgeGender(ctx context.Context, imageData []byte) (*AgeGenderResult, error) {
	age, err := e.classify(ctx, "age", imageData)
	if err != nil {
		return nil, fmt.Errorf("age: %w", err)
	}
	gender, err := e.classify(ctx, "gender", imageData)
	if err != nil {
		return nil, fmt.Errorf("gender: %w", err)
	}

	result := &AgeGenderResult{Age: age, Gender: gender}
	if err := result.Normalize(); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *ClassifierEstimator) classify(ctx context.Context, task string, imageData []byte) (Prediction, error) {
	body, err := postMultipartImage(ctx, e.client, e.baseURL+"/classify/"+task, imageData)
	if err != nil {
		return Prediction{}, err
	}

	var items []classification
	if err := json.Unmarshal(body, &items); err != nil {
		return Prediction{}, fmt.Errorf("failed to parse response: %w", err)
	}
	return topPrediction(items)
}

// topPrediction returns the highest-scoring entry. Every entry must carry
// both a label and a score.
func topPrediction(items []classification) (Prediction, error) {
	if len(items) == 0 {
		return Prediction{}, fmt.Errorf("%w: empty classification", ErrInvalidResult)
	}

	var best Prediction
	found := false
	for i, item := range items {
		if item.Label == nil || item.Score == nil {
			return Prediction{}, fmt.Errorf("%w: classification %d missing label or score", ErrInvalidResult, i)
		}
		if !found || *item.Score > best.Confidence {
			best = Prediction{Label: *item.Label, Confidence: *item.Score}
			found = true
		}
	}
	if !found {
		return Prediction{}, errors.New("no classification selected")
	}
	return best, nil
}
