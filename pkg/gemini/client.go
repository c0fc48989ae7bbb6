// Package gemini implements client.VisionClient on the Gemini API.
package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/genai"
)

// DefaultModel is used when the caller passes an empty model name
const DefaultModel = "gemini-1.5-flash"

// DefaultTimeout applies when the caller's context has no deadline
const DefaultTimeout = 60 * time.Second

// Options configures the Gemini client
type Options struct {
	APIKey string
	// BaseURL overrides the API endpoint, used by tests
	BaseURL    string
	HTTPClient *http.Client
}

// Client wraps the GenAI SDK client
type Client struct {
	client *genai.Client
}

// NewClient creates a Gemini client. An API key is required.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	cfg := &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Client{client: client}, nil
}

// SimpleQuery asks a free-form question about an image
func (c *Client) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return c.generate(ctx, model, prompt, imgB64, nil)
}

// DescribeOutfit asks for a JSON answer and returns the raw text
func (c *Client) DescribeOutfit(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	text, err := c.generate(ctx, model, prompt, imgB64, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("empty response from gemini")
	}
	return text, nil
}

func (c *Client) generate(ctx context.Context, model, prompt, imgB64 string, config *genai.GenerateContentConfig) (string, error) {
	if model == "" {
		model = DefaultModel
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	parts := make([]*genai.Part, 0, 2)
	if imgB64 != "" {
		imgBytes, err := base64.StdEncoding.DecodeString(imgB64)
		if err != nil {
			return "", fmt.Errorf("failed to decode base64 image: %w", err)
		}
		parts = append(parts, genai.NewPartFromBytes(imgBytes, "image/jpeg"))
	}
	parts = append(parts, genai.NewPartFromText(prompt))

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}
	return resp.Text(), nil
}
