// Package imagen calls the Vertex AI Imagen predict endpoint to draw an
// illustration of an outfit.
package imagen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/menta2k/outfit-lens/pkg/types"
)

const (
	DefaultLocation = "europe-west2"
	DefaultModel    = "imagegeneration@006"
	// CloudPlatformScope is the OAuth scope required by the predict endpoint
	CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
)

// Config configures the Imagen client
type Config struct {
	Project  string
	Location string
	Model    string
	// CredentialsFile is a service account JSON file. Empty means
	// application default credentials.
	CredentialsFile string
	// BaseURL overrides https://{location}-aiplatform.googleapis.com
	BaseURL string
	Timeout time.Duration
}

type predictRequest struct {
	Instances  []instance `json:"instances"`
	Parameters parameters `json:"parameters"`
}

type instance struct {
	Prompt string `json:"prompt"`
}

type parameters struct {
	SampleCount int `json:"sampleCount"`
}

type predictResponse struct {
	Predictions []prediction `json:"predictions"`
}

type prediction struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MIMEType           string `json:"mimeType"`
}

// Client generates images. Every failure after the request is sent degrades
// to a nil image.
type Client struct {
	httpClient *http.Client
	endpoint   string
	logger     *zap.Logger
}

// NewClient creates a client authenticated with Google OAuth2 credentials
func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	ts, err := tokenSource(ctx, cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	httpClient := oauth2.NewClient(ctx, ts)
	return NewClientWithHTTP(cfg, httpClient, logger)
}

// NewClientWithHTTP creates a client on top of an already authorised http.Client
func NewClientWithHTTP(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("imagen project is required")
	}
	if cfg.Location == "" {
		cfg.Location = DefaultLocation
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Timeout == 0 {
		httpClient.Timeout = cfg.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base := cfg.BaseURL
	if base == "" {
		base = fmt.Sprintf("https://%s-aiplatform.googleapis.com", cfg.Location)
	}
	endpoint := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		strings.TrimSuffix(base, "/"), cfg.Project, cfg.Location, cfg.Model)

	return &Client{httpClient: httpClient, endpoint: endpoint, logger: logger}, nil
}

// Endpoint returns the predict URL
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Generate asks for one image for prompt. A nil image with a nil error means
// the service answered but produced nothing usable; the cause is logged.
func (c *Client) Generate(ctx context.Context, prompt string) (*types.GeneratedImage, error) {
	payload, err := json.Marshal(predictRequest{
		Instances:  []instance{{Prompt: prompt}},
		Parameters: parameters{SampleCount: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("imagen request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("imagen API error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)))
		return nil, nil
	}
	c.logger.Info("successful Imagen API response")

	var parsed predictResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.logger.Warn("imagen response is not valid JSON", zap.Error(err))
		return nil, nil
	}
	if len(parsed.Predictions) == 0 || parsed.Predictions[0].BytesBase64Encoded == "" {
		c.logger.Warn("imagen response has no prediction")
		return nil, nil
	}

	p := parsed.Predictions[0]
	data, err := base64.StdEncoding.DecodeString(p.BytesBase64Encoded)
	if err != nil {
		c.logger.Error("could not parse base64 image", zap.Error(err))
		return nil, nil
	}
	mime := p.MIMEType
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return &types.GeneratedImage{MIMEType: mime, Data: data}, nil
}

func tokenSource(ctx context.Context, credentialsFile string) (oauth2.TokenSource, error) {
	if credentialsFile == "" {
		ts, err := google.DefaultTokenSource(ctx, CloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("failed to find default credentials: %w", err)
		}
		return ts, nil
	}

	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, CloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	return creds.TokenSource, nil
}
