package collab

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// AudioStore uploads narration audio to the object-storage bucket endpoint.
// The bucket serves uploaded objects publicly under the same URL.
type AudioStore struct {
	bucketURL string
	hc        *http.Client
}

// NewAudioStore creates an object-storage client.
func NewAudioStore(bucketURL string) *AudioStore {
	return &AudioStore{
		bucketURL: strings.TrimRight(bucketURL, "/"),
		hc:        &http.Client{Timeout: clientTimeout},
	}
}

func (a *AudioStore) Upload(ctx context.Context, key string, audio []byte) (string, error) {
	url := a.bucketURL + "/" + strings.TrimLeft(key, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(audio))
	if err != nil {
		return "", errors.Wrap(err, "audiostore: build request")
	}
	req.Header.Set("Content-Type", "audio/mpeg")

	resp, err := a.hc.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "audiostore: upload")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", errors.Errorf("audiostore: unexpected status %d", resp.StatusCode)
	}
	return url, nil
}
