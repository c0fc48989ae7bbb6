package imagen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClientWithHTTP(Config{Project: "outfits", BaseURL: srv.URL}, srv.Client(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestEndpoint(t *testing.T) {
	c, err := NewClientWithHTTP(Config{Project: "casual"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t,
		"https://europe-west2-aiplatform.googleapis.com/v1/projects/casual/locations/europe-west2/publishers/google/models/imagegeneration@006:predict",
		c.Endpoint())

	_, err = NewClientWithHTTP(Config{}, nil, nil)
	assert.Error(t, err)
}

func TestGenerate(t *testing.T) {
	var got predictRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/projects/outfits/locations/europe-west2/publishers/google/models/imagegeneration@006:predict", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"predictions": []map[string]string{{
				"bytesBase64Encoded": base64.StdEncoding.EncodeToString(pngHeader),
				"mimeType":           "image/png",
			}},
		})
	})

	img, err := c.Generate(context.Background(), "a person in a blue suit")
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.Equal(t, pngHeader, img.Data)

	require.Len(t, got.Instances, 1)
	assert.Equal(t, "a person in a blue suit", got.Instances[0].Prompt)
	assert.Equal(t, 1, got.Parameters.SampleCount)
}

func TestGenerateDetectsMIMEType(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"predictions":[{"bytesBase64Encoded":"` + base64.StdEncoding.EncodeToString(pngHeader) + `"}]}`))
	})
	img, err := c.Generate(context.Background(), "p")
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Equal(t, "image/png", img.MIMEType)
}

func TestGenerateDegradesToNoImage(t *testing.T) {
	tests := map[string]struct {
		status int
		body   string
	}{
		"non-2xx":        {http.StatusForbidden, `{"error":{"message":"denied"}}`},
		"server error":   {http.StatusInternalServerError, "oops"},
		"bad json":       {http.StatusOK, "not json"},
		"no predictions": {http.StatusOK, `{"predictions":[]}`},
		"bad base64":     {http.StatusOK, `{"predictions":[{"bytesBase64Encoded":"%%%"}]}`},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			img, err := c.Generate(context.Background(), "p")
			assert.NoError(t, err)
			assert.Nil(t, img)
		})
	}
}

func TestGenerateTransportError(t *testing.T) {
	c, err := NewClientWithHTTP(Config{Project: "p", BaseURL: "http://127.0.0.1:1"}, nil, nil)
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), "p")
	assert.Error(t, err)
}

func TestNewClientBadCredentials(t *testing.T) {
	_, err := NewClient(context.Background(), Config{Project: "p", CredentialsFile: filepath.Join(t.TempDir(), "missing.json")}, nil)
	assert.Error(t, err)
}
