package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// Speech calls the summarization/speech-synthesis service.
type Speech struct {
	base string
	hc   *http.Client
}

// NewSpeech creates a speech-synthesis client.
func NewSpeech(base string) *Speech {
	return &Speech{base: base, hc: &http.Client{Timeout: clientTimeout}}
}

func (s *Speech) Synthesize(ctx context.Context, script string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"text": script})
	if err != nil {
		return nil, errors.Wrap(err, "speech: marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "speech: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "speech: request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("speech: unexpected status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, errors.Wrap(err, "speech: read audio")
	}
	if len(audio) == 0 {
		return nil, errors.New("speech: empty audio response")
	}
	return audio, nil
}
