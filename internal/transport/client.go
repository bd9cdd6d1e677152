package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/kozaktomas/face-pipeline/internal/pipeline"
	"github.com/kozaktomas/face-pipeline/internal/store"
)

// client holds the base URL and HTTP client shared by the typed clients.
type client struct {
	parsedURL *url.URL
	http      *http.Client
}

// newClient accepts "host:port" or a full http(s) URL.
func newClient(addr string, timeout time.Duration) (*client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("service address is empty")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	parsed, err := url.Parse(strings.TrimSuffix(addr, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid service address: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid service address scheme %q: must be http or https", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, errors.New("invalid service address: missing host")
	}
	return &client{
		parsedURL: parsed,
		http:      &http.Client{Timeout: timeout},
	}, nil
}

// URL returns the base URL of the service.
func (c *client) URL() string {
	return c.parsedURL.String()
}

// Health fetches the service health document.
func (c *client) Health(ctx context.Context) (*HealthResponse, error) {
	return doRequestJSON[HealthResponse](ctx, c, http.MethodGet, HealthPath, nil, http.StatusOK)
}

// doPostJSON sends requestBody as JSON. Services reply 400 with the regular
// response body for malformed requests, so both statuses are decoded.
func doPostJSON[T any](ctx context.Context, c *client, endpoint string, requestBody any) (*T, error) {
	return doRequestJSON[T](ctx, c, http.MethodPost, endpoint, requestBody, http.StatusOK, http.StatusBadRequest)
}

// doRequestJSON performs the request and decodes the JSON response. Every
// failure is wrapped with pipeline.ErrTransport.
func doRequestJSON[T any](ctx context.Context, c *client, method, endpoint string, requestBody any, expectedStatuses ...int) (*T, error) {
	var bodyReader io.Reader
	if requestBody != nil {
		jsonBody, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("%w: could not marshal request body: %w", pipeline.ErrTransport, err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	reqURL := c.parsedURL.JoinPath(endpoint).String()
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: could not create request: %w", pipeline.ErrTransport, err)
	}
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: could not send request: %w", pipeline.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: could not read response body: %w", pipeline.ErrTransport, err)
	}

	if !slices.Contains(expectedStatuses, resp.StatusCode) {
		return nil, fmt.Errorf("%w: %s %s failed with status %d: %s",
			pipeline.ErrTransport, method, endpoint, resp.StatusCode, truncate(string(body), 200))
	}

	var result T
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: could not unmarshal response: %w", pipeline.ErrTransport, err)
	}
	return &result, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// WorkerClient calls a worker's process endpoint.
type WorkerClient struct {
	*client
}

// NewWorkerClient creates a client for the worker at addr.
func NewWorkerClient(addr string, timeout time.Duration) (*WorkerClient, error) {
	c, err := newClient(addr, timeout)
	if err != nil {
		return nil, err
	}
	return &WorkerClient{client: c}, nil
}

// Process sends one image to the worker. The error is non-nil only when the
// worker could not be reached or replied with something unexpected; a
// processing failure comes back as a Result with Success false.
func (c *WorkerClient) Process(ctx context.Context, workItemID string, imageData []byte) (pipeline.Result, error) {
	resp, err := doPostJSON[ProcessResponse](ctx, c.client, ProcessPath, ProcessRequest{
		ImageData: imageData,
		ImageID:   workItemID,
	})
	if err != nil {
		return pipeline.Result{WorkItemID: workItemID, StoreKey: store.Key(workItemID), ErrorMessage: err.Error()}, err
	}
	return pipeline.Result{
		Success:      resp.Success,
		WorkItemID:   resp.ImageID,
		StoreKey:     resp.StoreKey,
		ErrorMessage: resp.ErrorMessage,
	}, nil
}

// AggregatorClient calls the aggregator service. It satisfies
// pipeline.Trigger so a worker can aggregate remotely.
type AggregatorClient struct {
	*client
}

// NewAggregatorClient creates a client for the aggregator at addr.
func NewAggregatorClient(addr string, timeout time.Duration) (*AggregatorClient, error) {
	c, err := newClient(addr, timeout)
	if err != nil {
		return nil, err
	}
	return &AggregatorClient{client: c}, nil
}

// Aggregate asks the aggregator to build the artifact. A reply with success
// false is returned as an error carrying the aggregator's message.
func (c *AggregatorClient) Aggregate(ctx context.Context, workItemID string, imageData []byte) (pipeline.AggregateResult, error) {
	resp, err := doPostJSON[AggregateResponse](ctx, c.client, AggregatePath, AggregateRequest{
		ImageData: imageData,
		StoreKey:  store.Key(workItemID),
		ImageID:   workItemID,
	})
	if err != nil {
		return pipeline.AggregateResult{Message: err.Error()}, err
	}

	res := pipeline.AggregateResult{
		Success:   resp.Success,
		Message:   resp.Message,
		SavedPath: resp.SavedPath,
	}
	if !res.Success {
		return res, fmt.Errorf("aggregator: %s", res.Message)
	}
	return res, nil
}
