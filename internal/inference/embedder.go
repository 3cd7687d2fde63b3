package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/config"
)

// HTTPEmbedder calls the configured local embedding endpoint. It implements
// internal/rag.Embedder.
type HTTPEmbedder struct {
	endpoint config.EndpointConfig
	client   *http.Client
}

// NewHTTPEmbedder builds an HTTPEmbedder against cfg.
func NewHTTPEmbedder(cfg config.EndpointConfig) *HTTPEmbedder {
	return &HTTPEmbedder{endpoint: cfg, client: &http.Client{Timeout: 30 * time.Second}}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the dense vector for text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embedRequest{Model: e.endpoint.Model, Input: text})
	if err != nil {
		return nil, eris.Wrap(err, "embedder: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint.URL+"/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "embedder: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "embedder: call endpoint")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, eris.New(fmt.Sprintf("embedder: endpoint returned status %d", resp.StatusCode))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, eris.Wrap(err, "embedder: decode response")
	}
	return out.Embedding, nil
}
