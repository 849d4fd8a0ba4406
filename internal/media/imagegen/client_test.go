package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/pkg/logger"
	"github.com/instagram-autoposter/pkg/ratelimit"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func newTestClient(url string) *Client {
	return NewClient(config.ImageGenConfig{
		BaseURL: url,
		APIKey:  "sk-test",
		Model:   "gpt-image-1",
		Size:    "1024x1024",
	}, ratelimit.NewUnlimited(), logger.Nop())
}

func TestGenerateBase64(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req generationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a red fox", req.Prompt)
		assert.Equal(t, 1, req.N)

		_, _ = w.Write([]byte(`{"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString(pngHeader) + `"}]}`))
	}))
	defer srv.Close()

	data, err := newTestClient(srv.URL).Generate(context.Background(), "a red fox")
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
}

func TestGenerateURL(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/images/generations", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"url":"` + srv.URL + `/files/1.png"}]}`))
	})
	mux.HandleFunc("/files/1.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngHeader)
	})

	data, err := newTestClient(srv.URL).Generate(context.Background(), "a red fox")
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
}

func TestGenerateAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"content policy violation","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Generate(context.Background(), "x")
	require.ErrorContains(t, err, "content policy violation")
}
