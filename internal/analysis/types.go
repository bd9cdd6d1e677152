// Package analysis defines the partial results produced by each analysis
// stage and the backends that compute them.
package analysis

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidResult marks backend output that is missing required data or
// holds out-of-range values.
var ErrInvalidResult = errors.New("invalid backend result")

// FaceBox is one detected face. BBox holds pixel corners x1, y1, x2, y2.
type FaceBox struct {
	Confidence float64 `json:"confidence"`
	BBox       [4]int  `json:"bbox"`
}

// LandmarkSet lists faces in detection order.
type LandmarkSet []FaceBox

// Prediction is a top-1 label with its score.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// AgeGenderResult is the output of the age/gender stage.
type AgeGenderResult struct {
	Age    Prediction `json:"age"`
	Gender Prediction `json:"gender"`
}

// LandmarkDetector finds faces in an image.
type LandmarkDetector interface {
	Name() string
	DetectFaces(ctx context.Context, imageData []byte) (LandmarkSet, error)
}

// AgeGenderEstimator predicts an age bracket and a gender for an image.
type AgeGenderEstimator interface {
	Name() string
	EstimateAgeGender(ctx context.Context, imageData []byte) (*AgeGenderResult, error)
}

func checkConfidence(what string, c float64) error {
	if c < 0 || c > 1 {
		return fmt.Errorf("%w: %s confidence %v outside [0,1]", ErrInvalidResult, what, c)
	}
	return nil
}

// Validate checks every box: confidence in [0,1] and positive width and height.
func (s LandmarkSet) Validate() error {
	for i, face := range s {
		if err := checkConfidence(fmt.Sprintf("face %d", i), face.Confidence); err != nil {
			return err
		}
		x1, y1, x2, y2 := face.BBox[0], face.BBox[1], face.BBox[2], face.BBox[3]
		if x2 <= x1 || y2 <= y1 {
			return fmt.Errorf("%w: face %d has empty bbox %v", ErrInvalidResult, i, face.BBox)
		}
	}
	return nil
}

// Validate requires both labels and in-range confidences.
func (r *AgeGenderResult) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: no age/gender result", ErrInvalidResult)
	}
	if r.Age.Label == "" {
		return fmt.Errorf("%w: missing age label", ErrInvalidResult)
	}
	if r.Gender.Label == "" {
		return fmt.Errorf("%w: missing gender label", ErrInvalidResult)
	}
	if err := checkConfidence("age", r.Age.Confidence); err != nil {
		return err
	}
	return checkConfidence("gender", r.Gender.Confidence)
}
