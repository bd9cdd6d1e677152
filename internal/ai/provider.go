// Package ai implements age/gender estimation on top of vision language
// models: OpenAI, Gemini, Ollama and llama.cpp.
package ai

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kozaktomas/face-pipeline/internal/analysis"
)

//go:embed prompts/age_gender.txt
var ageGenderPrompt string

const (
	maxRetries   = 5
	maxImageSize = 800
	userMessage  = "Estimate the age bracket and gender of the person in this photo."
)

// Usage tracks token usage and calculates cost.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalCost    float64 // in USD
}

// RequestPricing holds input/output prices per 1M tokens
type RequestPricing struct {
	Input  float64
	Output float64
}

// meter accumulates usage across concurrent requests.
type meter struct {
	mu      sync.Mutex
	usage   Usage
	pricing RequestPricing
}

func (m *meter) track(inputTokens, outputTokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.InputTokens += inputTokens
	m.usage.OutputTokens += outputTokens
	m.usage.TotalCost += float64(inputTokens) / 1_000_000 * m.pricing.Input
	m.usage.TotalCost += float64(outputTokens) / 1_000_000 * m.pricing.Output
}

// GetUsage returns a snapshot of the accumulated usage.
func (m *meter) GetUsage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

func (m *meter) ResetUsage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = Usage{}
}

// parseAgeGender decodes a model reply and normalizes the labels. Both JSON
// and validation failures are returned so the caller can ask the model to
// correct itself.
func parseAgeGender(content string) (*analysis.AgeGenderResult, error) {
	var result analysis.AgeGenderResult
	if err := json.Unmarshal([]byte(extractJSON(content)), &result); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}
	if err := result.Normalize(); err != nil {
		return nil, err
	}
	return &result, nil
}

func retryMessage(err error) string {
	return fmt.Sprintf("%v. Please fix the JSON and try again."+
		" Both age and gender need a non-empty label and a confidence between 0 and 1."+
		" Output ONLY valid JSON, no other text.", err)
}

func retriesExhausted(lastError error, lastResponse string) error {
	return fmt.Errorf("failed to parse age/gender JSON after %d attempts: %w (last response: %s)",
		maxRetries, lastError, lastResponse)
}
