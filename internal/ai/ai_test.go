package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/openai/openai-go/option"

	"github.com/kozaktomas/face-pipeline/internal/analysis"
)

func createTestImage(width, height int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := range width {
		for y := range height {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodeJPEG(img image.Image) []byte {
	var buf bytes.Buffer
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes()
}

func encodePNG(img image.Image) []byte {
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

const validReply = `{"age":{"label":"20 - 29","confidence":0.7},"gender":{"label":"female","confidence":0.95}}`

func TestFitWithin(t *testing.T) {
	tests := []struct {
		name                  string
		width, height, maxDim int
		wantWidth, wantHeight int
	}{
		{"inside bound", 100, 100, 200, 100, 100},
		{"landscape", 2000, 1000, 500, 500, 250},
		{"portrait", 1000, 2000, 500, 250, 500},
		{"on the bound", 800, 600, 800, 800, 600},
		{"thin strip keeps one pixel", 4000, 1, 400, 400, 1},
		{"no bound", 3000, 2000, 0, 3000, 2000},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w, h := fitWithin(tc.width, tc.height, tc.maxDim)
			if w != tc.wantWidth || h != tc.wantHeight {
				t.Errorf("fitWithin(%d, %d, %d) = %dx%d; want %dx%d",
					tc.width, tc.height, tc.maxDim, w, h, tc.wantWidth, tc.wantHeight)
			}
		})
	}
}

func TestDownscaleForUpload(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		wantSize image.Point
	}{
		{"large jpeg", encodeJPEG(createTestImage(1600, 800, color.White)), image.Pt(600, 300)},
		{"png becomes jpeg", encodePNG(createTestImage(1200, 600, color.Black)), image.Pt(600, 300)},
		{"small jpeg", encodeJPEG(createTestImage(64, 48, color.White)), image.Pt(64, 48)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := downscaleForUpload(tc.data, 600)
			if err != nil {
				t.Fatalf("downscaleForUpload failed: %v", err)
			}
			cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
			if err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if format != "jpeg" {
				t.Errorf("format = %s; want jpeg", format)
			}
			if got := image.Pt(cfg.Width, cfg.Height); got != tc.wantSize {
				t.Errorf("size = %v; want %v", got, tc.wantSize)
			}
		})
	}
}

func TestDownscaleForUpload_InvalidData(t *testing.T) {
	if _, err := downscaleForUpload([]byte("not an image"), 800); err == nil {
		t.Error("expected error for invalid image data")
	}
	if _, err := downscaleForUpload(nil, 800); err == nil {
		t.Error("expected error for empty data")
	}
}

// --- parsing ---

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"surrounding text", "Sure! Here it is: {\"a\":{\"b\":2}} hope that helps", `{"a":{"b":2}}`},
		{"markdown fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"unterminated", `prefix {"a":`, `{"a":`},
		{"no object", "no json here", "no json here"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractJSON(tc.in); got != tc.want {
				t.Errorf("extractJSON() = %q; want %q", got, tc.want)
			}
		})
	}
}

func TestParseAgeGender(t *testing.T) {
	result, err := parseAgeGender(validReply)
	if err != nil {
		t.Fatalf("parseAgeGender failed: %v", err)
	}
	want := analysis.AgeGenderResult{
		Age:    analysis.Prediction{Label: "20-29", Confidence: 0.7},
		Gender: analysis.Prediction{Label: "Female", Confidence: 0.95},
	}
	if *result != want {
		t.Errorf("got %+v; want %+v", *result, want)
	}
}

func TestParseAgeGender_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		invalid bool
	}{
		{"broken json", `{"age": {"label": "20-29"`, false},
		{"missing gender", `{"age":{"label":"20-29","confidence":0.5}}`, true},
		{"confidence out of range", `{"age":{"label":"20-29","confidence":75},"gender":{"label":"male","confidence":0.9}}`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseAgeGender(tc.content)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, analysis.ErrInvalidResult); got != tc.invalid {
				t.Errorf("errors.Is(ErrInvalidResult) = %v; want %v (%v)", got, tc.invalid, err)
			}
		})
	}
}

// --- usage ---

func TestMeter_TrackConcurrent(t *testing.T) {
	m := &meter{pricing: RequestPricing{Input: 1, Output: 2}}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.track(100_000, 50_000)
		}()
	}
	wg.Wait()

	usage := m.GetUsage()
	if usage.InputTokens != 1_000_000 || usage.OutputTokens != 500_000 {
		t.Errorf("tokens = %d/%d", usage.InputTokens, usage.OutputTokens)
	}
	// 1M input at $1 + 0.5M output at $2
	if usage.TotalCost < 1.999 || usage.TotalCost > 2.001 {
		t.Errorf("TotalCost = %v; want 2", usage.TotalCost)
	}

	m.ResetUsage()
	if m.GetUsage() != (Usage{}) {
		t.Error("expected zero usage after reset")
	}
}

// --- providers against fake servers ---

func TestOllamaProvider_RetriesWithFeedback(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		calls++

		content := "this is not json"
		if calls == 2 {
			if len(req.Messages) != 4 {
				t.Errorf("retry should carry 4 messages, got %d", len(req.Messages))
			}
			if !strings.Contains(req.Messages[3].Content, "JSON parse error") {
				t.Errorf("feedback message = %q", req.Messages[3].Content)
			}
			content = validReply
		} else if len(req.Messages[1].Images) != 1 {
			t.Errorf("first request should carry the image")
		}

		json.NewEncoder(w).Encode(map[string]any{
			"model":             req.Model,
			"message":           map[string]string{"role": "assistant", "content": content},
			"done":              true,
			"prompt_eval_count": 10,
			"eval_count":        5,
		})
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "", RequestPricing{})
	result, err := p.EstimateAgeGender(context.Background(), encodeJPEG(createTestImage(10, 10, color.White)))
	if err != nil {
		t.Fatalf("EstimateAgeGender failed: %v", err)
	}
	if result.Age.Label != "20-29" || result.Gender.Label != "Female" {
		t.Errorf("unexpected result %+v", result)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if usage := p.GetUsage(); usage.InputTokens != 20 || usage.OutputTokens != 10 {
		t.Errorf("usage = %+v", usage)
	}
	if p.Name() != defaultOllamaModel {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestOllamaProvider_GivesUp(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"message":{"role":"assistant","content":"{}"},"done":true}`))
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "llava", RequestPricing{})
	_, err := p.EstimateAgeGender(context.Background(), encodeJPEG(createTestImage(10, 10, color.White)))
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != maxRetries {
		t.Errorf("expected %d calls, got %d", maxRetries, calls)
	}
	if !errors.Is(err, analysis.ErrInvalidResult) {
		t.Errorf("expected the last validation error to be wrapped, got %v", err)
	}
}

func TestLlamaCppProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !bytes.Contains(body, []byte("data:image/jpeg;base64,")) {
			t.Error("request should carry the image as a data URL")
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Answer: ` +
			strings.ReplaceAll(validReply, `"`, `\"`) + `"}}],"usage":{"prompt_tokens":7,"completion_tokens":3}}`))
	}))
	defer server.Close()

	p, err := NewLlamaCppProvider(server.URL+"/", "", RequestPricing{})
	if err != nil {
		t.Fatalf("NewLlamaCppProvider: %v", err)
	}
	result, err := p.EstimateAgeGender(context.Background(), encodeJPEG(createTestImage(10, 10, color.White)))
	if err != nil {
		t.Fatalf("EstimateAgeGender failed: %v", err)
	}
	if result.Gender.Label != "Female" || result.Gender.Confidence != 0.95 {
		t.Errorf("unexpected gender %+v", result.Gender)
	}
}

func TestLlamaCppProvider_InvalidURL(t *testing.T) {
	tests := []string{"ftp://localhost", "http://", "://bad"}
	for _, u := range tests {
		if _, err := NewLlamaCppProvider(u, "", RequestPricing{}); err == nil {
			t.Errorf("expected error for %q", u)
		}
	}
}

func TestLlamaCppProvider_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading model", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p, _ := NewLlamaCppProvider(server.URL, "", RequestPricing{})
	_, err := p.EstimateAgeGender(context.Background(), encodeJPEG(createTestImage(10, 10, color.White)))
	if err == nil || !strings.Contains(err.Error(), "status 503") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestOpenAIProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   chatModel,
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": validReply},
			}},
			"usage": map[string]any{"prompt_tokens": 1000, "completion_tokens": 100, "total_tokens": 1100},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", RequestPricing{Input: 0.4, Output: 1.6},
		option.WithBaseURL(server.URL), option.WithMaxRetries(0))
	result, err := p.EstimateAgeGender(context.Background(), encodeJPEG(createTestImage(10, 10, color.White)))
	if err != nil {
		t.Fatalf("EstimateAgeGender failed: %v", err)
	}
	if result.Age.Label != "20-29" {
		t.Errorf("age = %+v", result.Age)
	}
	usage := p.GetUsage()
	if usage.InputTokens != 1000 || usage.OutputTokens != 100 {
		t.Errorf("usage = %+v", usage)
	}
	if usage.TotalCost <= 0 {
		t.Errorf("expected a positive cost, got %v", usage.TotalCost)
	}
}

func TestProvidersImplementEstimator(t *testing.T) {
	var _ analysis.AgeGenderEstimator = (*OpenAIProvider)(nil)
	var _ analysis.AgeGenderEstimator = (*GeminiProvider)(nil)
	var _ analysis.AgeGenderEstimator = (*OllamaProvider)(nil)
	var _ analysis.AgeGenderEstimator = (*LlamaCppProvider)(nil)
}
