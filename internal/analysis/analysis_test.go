package analysis

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46, 0x49, 0x46}

func TestDetectMIMEType(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected string
	}{
		{"jpeg", jpegHeader, "image/jpeg"},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, "image/png"},
		{"gif", []byte("GIF89a\x00\x00"), "image/gif"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBP"), "image/webp"},
		{"bmp", []byte("BM\x00\x00\x00\x00\x00\x00"), "image/bmp"},
		{"too short", []byte{0xFF, 0xD8}, "application/octet-stream"},
		{"unknown", []byte("plain text"), "application/octet-stream"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectMIMEType(tc.data); got != tc.expected {
				t.Errorf("DetectMIMEType() = %q; want %q", got, tc.expected)
			}
		})
	}
}

func TestNormalizeGender(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"male", "Male"},
		{" MAN ", "Male"},
		{"F", "Female"},
		{"woman", "Female"},
		{"other", "Other"},
	}
	for _, tc := range tests {
		if got := NormalizeGender(tc.in); got != tc.want {
			t.Errorf("NormalizeGender(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeAgeLabel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"20-29", "20-29"},
		{"20 - 29", "20-29"},
		{"20_29", "20-29"},
		{"70+", "70+"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := NormalizeAgeLabel(tc.in); got != tc.want {
			t.Errorf("NormalizeAgeLabel(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func TestLandmarkSetValidate(t *testing.T) {
	tests := []struct {
		name    string
		set     LandmarkSet
		wantErr bool
	}{
		{"empty", LandmarkSet{}, false},
		{"valid", LandmarkSet{{Confidence: 0.9, BBox: [4]int{1, 2, 3, 4}}}, false},
		{"confidence above one", LandmarkSet{{Confidence: 1.2, BBox: [4]int{1, 2, 3, 4}}}, true},
		{"negative confidence", LandmarkSet{{Confidence: -0.1, BBox: [4]int{1, 2, 3, 4}}}, true},
		{"zero width", LandmarkSet{{Confidence: 0.5, BBox: [4]int{3, 2, 3, 4}}}, true},
		{"inverted height", LandmarkSet{{Confidence: 0.5, BBox: [4]int{1, 9, 3, 4}}}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.set.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v; wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidResult) {
				t.Errorf("error %v should wrap ErrInvalidResult", err)
			}
		})
	}
}

func TestAgeGenderResultValidate(t *testing.T) {
	var nilResult *AgeGenderResult
	if err := nilResult.Validate(); !errors.Is(err, ErrInvalidResult) {
		t.Errorf("nil result: got %v", err)
	}

	r := &AgeGenderResult{Age: Prediction{Label: "20-29", Confidence: 0.5}}
	if err := r.Validate(); err == nil {
		t.Error("expected error for missing gender label")
	}

	r.Gender = Prediction{Label: "Male", Confidence: 0.7}
	if err := r.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestInsightFaceDetector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embed/face" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("unexpected content type %s", r.Header.Get("Content-Type"))
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
		} else {
			file.Close()
		}
		w.Write([]byte(`{"faces_count":1,"faces":[{"face_index":0,"bbox":[10.4,20.6,50.2,80.9],"det_score":0.91,"embedding":[0.1]}],"model":"buffalo_l"}`))
	}))
	defer server.Close()

	d := NewInsightFaceDetector(server.URL+"/", server.Client())
	faces, err := d.DetectFaces(context.Background(), jpegHeader)
	if err != nil {
		t.Fatalf("DetectFaces failed: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("got %d faces; want 1", len(faces))
	}
	want := [4]int{10, 20, 51, 81}
	if faces[0].BBox != want {
		t.Errorf("bbox = %v; want %v", faces[0].BBox, want)
	}
	if faces[0].Confidence != 0.91 {
		t.Errorf("confidence = %v; want 0.91", faces[0].Confidence)
	}
}

func TestInsightFaceDetector_MissingScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"faces_count":1,"faces":[{"face_index":0,"bbox":[1,2,3,4]}]}`))
	}))
	defer server.Close()

	_, err := NewInsightFaceDetector(server.URL, nil).DetectFaces(context.Background(), jpegHeader)
	if !errors.Is(err, ErrInvalidResult) {
		t.Errorf("expected ErrInvalidResult, got %v", err)
	}
}

func TestInsightFaceDetector_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewInsightFaceDetector(server.URL, nil).DetectFaces(context.Background(), jpegHeader)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "status 503") {
		t.Errorf("error should mention status: %v", err)
	}
}

func TestRoboflowDetector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/face-detection-mik1i/21" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("api_key") != "secret" {
			t.Errorf("api_key = %q", r.URL.Query().Get("api_key"))
		}
		body, _ := io.ReadAll(r.Body)
		decoded, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil || string(decoded) != string(jpegHeader) {
			t.Errorf("body is not the base64 image: %v", err)
		}
		w.Write([]byte(`{"predictions":[{"x":100,"y":80,"width":40,"height":60,"confidence":0.87,"class":"face"}],"image":{"width":640,"height":480}}`))
	}))
	defer server.Close()

	d, err := NewRoboflowDetector(server.URL, "", "secret", server.Client())
	if err != nil {
		t.Fatalf("NewRoboflowDetector: %v", err)
	}
	faces, err := d.DetectFaces(context.Background(), jpegHeader)
	if err != nil {
		t.Fatalf("DetectFaces failed: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("got %d faces; want 1", len(faces))
	}
	want := [4]int{80, 50, 120, 110}
	if faces[0].BBox != want {
		t.Errorf("bbox = %v; want %v", faces[0].BBox, want)
	}
	if d.Name() != "roboflow:face-detection-mik1i/21" {
		t.Errorf("Name() = %q", d.Name())
	}
}

func TestRoboflowDetector_RequiresKey(t *testing.T) {
	if _, err := NewRoboflowDetector("", "", "", nil); err == nil {
		t.Error("expected error without api key")
	}
}

func TestNormalizeRoboflow_MissingFields(t *testing.T) {
	x, y := 10.0, 10.0
	_, err := normalizeRoboflow([]roboflowPrediction{{X: &x, Y: &y}})
	if !errors.Is(err, ErrInvalidResult) {
		t.Fatalf("expected ErrInvalidResult, got %v", err)
	}
	for _, field := range []string{"width", "height", "confidence"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error should name %s: %v", field, err)
		}
	}
}

func TestNormalizeRoboflow_SubPixelBoxes(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	preds := []roboflowPrediction{
		{X: f(30), Y: f(30), Width: f(40), Height: f(40), Confidence: f(0.9)},
		{X: f(10), Y: f(10), Width: f(0.5), Height: f(0.5), Confidence: f(0.4)},
		{X: f(20.5), Y: f(20), Width: f(3), Height: f(0), Confidence: f(0.3)},
	}
	faces, err := normalizeRoboflow(preds)
	if err != nil {
		t.Fatalf("normalizeRoboflow failed: %v", err)
	}
	want := LandmarkSet{
		{Confidence: 0.9, BBox: [4]int{10, 10, 50, 50}},
		{Confidence: 0.4, BBox: [4]int{9, 9, 11, 11}},
	}
	if !reflect.DeepEqual(faces, want) {
		t.Errorf("faces = %v; want %v", faces, want)
	}
}

func TestNormalizeRoboflow_Empty(t *testing.T) {
	faces, err := normalizeRoboflow(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if faces == nil || len(faces) != 0 {
		t.Errorf("expected empty non-nil set, got %v", faces)
	}
}

func TestClassifierEstimator(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/classify/age":
			w.Write([]byte(`[{"label":"10-19","score":0.2},{"label":"20 - 29","score":0.64}]`))
		case "/classify/gender":
			w.Write([]byte(`[{"label":"female","score":0.1},{"label":"male","score":0.9}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	e := NewClassifierEstimator(server.URL, server.Client())
	result, err := e.EstimateAgeGender(context.Background(), jpegHeader)
	if err != nil {
		t.Fatalf("EstimateAgeGender failed: %v", err)
	}
	if result.Age.Label != "20-29" || result.Age.Confidence != 0.64 {
		t.Errorf("age = %+v", result.Age)
	}
	if result.Gender.Label != "Male" || result.Gender.Confidence != 0.9 {
		t.Errorf("gender = %+v", result.Gender)
	}
}

func TestClassifierEstimator_MissingScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"label":"male"}]`))
	}))
	defer server.Close()

	_, err := NewClassifierEstimator(server.URL, nil).EstimateAgeGender(context.Background(), jpegHeader)
	if !errors.Is(err, ErrInvalidResult) {
		t.Errorf("expected ErrInvalidResult, got %v", err)
	}
}

func TestTopPrediction_Empty(t *testing.T) {
	if _, err := topPrediction(nil); !errors.Is(err, ErrInvalidResult) {
		t.Errorf("expected ErrInvalidResult, got %v", err)
	}
}
