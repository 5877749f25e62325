// Package collab holds thin HTTP clients for the external collaborators the
// pipeline orchestrates. Each one is an adapter behind a domain port; tests
// substitute mocks.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/AnuragRamdasan/biirbal-sub002/internal/domain"
)

const clientTimeout = 60 * time.Second

// Extractor calls the content-extraction service.
type Extractor struct {
	base string
	hc   *http.Client
}

// NewExtractor creates an extractor client for the given service base URL.
func NewExtractor(base string) *Extractor {
	return &Extractor{base: base, hc: &http.Client{Timeout: clientTimeout}}
}

func (e *Extractor) Extract(ctx context.Context, url string) (*domain.Content, error) {
	body, err := json.Marshal(map[string]string{"url": url})
	if err != nil {
		return nil, errors.Wrap(err, "extractor: marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "extractor: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "extractor: request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("extractor: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Title   string `json:"title"`
		Text    string `json:"text"`
		Excerpt string `json:"excerpt"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "extractor: decode response")
	}
	return &domain.Content{Title: out.Title, Text: out.Text, Excerpt: out.Excerpt}, nil
}
