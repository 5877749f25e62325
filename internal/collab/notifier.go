package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Notifier posts results back into the originating chat channel/thread.
type Notifier struct {
	base  string
	token string
	hc    *http.Client
}

// NewNotifier creates a chat-platform client.
func NewNotifier(base, token string) *Notifier {
	return &Notifier{
		base:  strings.TrimRight(base, "/"),
		token: token,
		hc:    &http.Client{Timeout: clientTimeout},
	}
}

func (n *Notifier) Post(ctx context.Context, channelRef, messageRef, text string) error {
	body, err := json.Marshal(map[string]string{
		"channel":   channelRef,
		"thread_ts": messageRef,
		"text":      text,
	})
	if err != nil {
		return errors.Wrap(err, "notifier: marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.base+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "notifier: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.token)

	resp, err := n.hc.Do(req)
	if err != nil {
		return errors.Wrap(err, "notifier: request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("notifier: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return errors.Wrap(err, "notifier: decode response")
	}
	if !out.OK {
		return errors.Errorf("notifier: chat API error %q", out.Error)
	}
	return nil
}
