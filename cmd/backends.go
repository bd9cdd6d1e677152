package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kozaktomas/face-pipeline/internal/ai"
	"github.com/kozaktomas/face-pipeline/internal/analysis"
	"github.com/kozaktomas/face-pipeline/internal/config"
)

// newLandmarkDetector builds the face detection backend selected by
// LANDMARK_PROVIDER.
func newLandmarkDetector(cfg *config.Config) (analysis.LandmarkDetector, error) {
	client := &http.Client{Timeout: cfg.Pipeline.BackendTimeout}
	switch cfg.Landmark.Provider {
	case "", "insightface":
		return analysis.NewInsightFaceDetector(cfg.Landmark.FaceDetectURL, client), nil
	case "roboflow":
		return analysis.NewRoboflowDetector(cfg.Landmark.RoboflowURL, cfg.Landmark.RoboflowModel, cfg.Landmark.RoboflowAPIKey, client)
	default:
		return nil, fmt.Errorf("unsupported landmark provider %q (want insightface or roboflow)", cfg.Landmark.Provider)
	}
}

// newAgeGenderEstimator builds the age/gender backend selected by
// AGE_GENDER_PROVIDER.
func newAgeGenderEstimator(ctx context.Context, cfg *config.Config) (analysis.AgeGenderEstimator, error) {
	switch cfg.AgeGender.Provider {
	case "", "classifier":
		return analysis.NewClassifierEstimator(cfg.AgeGender.URL, &http.Client{Timeout: cfg.Pipeline.BackendTimeout}), nil
	case "openai":
		if cfg.OpenAI.Token == "" {
			return nil, fmt.Errorf("OPENAI_TOKEN is required for the openai provider")
		}
		return ai.NewOpenAIProvider(cfg.OpenAI.Token, pricingFor(cfg, "gpt-4.1-mini")), nil
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for the gemini provider")
		}
		return ai.NewGeminiProvider(ctx, cfg.Gemini.APIKey, pricingFor(cfg, "gemini-2.5-flash"))
	case "ollama":
		return ai.NewOllamaProvider(cfg.Ollama.URL, cfg.Ollama.Model, pricingFor(cfg, cfg.Ollama.Model)), nil
	case "llamacpp":
		return ai.NewLlamaCppProvider(cfg.LlamaCpp.URL, cfg.LlamaCpp.Model, pricingFor(cfg, cfg.LlamaCpp.Model))
	default:
		return nil, fmt.Errorf("unsupported age/gender provider %q (want classifier, openai, gemini, ollama or llamacpp)", cfg.AgeGender.Provider)
	}
}

func pricingFor(cfg *config.Config, model string) ai.RequestPricing {
	p := cfg.GetModelPricing(model).Standard
	return ai.RequestPricing{Input: p.Input, Output: p.Output}
}

// usageReporter is implemented by the LLM-backed estimators.
type usageReporter interface {
	GetUsage() ai.Usage
}

// logUsage reports token usage and cost of an LLM-backed estimator.
func logUsage(logger *slog.Logger, estimator analysis.AgeGenderEstimator) {
	reporter, ok := estimator.(usageReporter)
	if !ok {
		return
	}
	usage := reporter.GetUsage()
	logger.Info("token usage",
		slog.String("backend", estimator.Name()),
		slog.Int("input_tokens", usage.InputTokens),
		slog.Int("output_tokens", usage.OutputTokens),
		slog.String("cost_usd", fmt.Sprintf("%.4f", usage.TotalCost)),
	)
}
