package domain

import (
	"testing"

	"github.com/pkg/errors"
)

func TestLink_CanRetry(t *testing.T) {
	tests := []struct {
		name        string
		link        Link
		maxAttempts int
		want        bool
	}{
		{
			name:        "can retry below max",
			link:        Link{AttemptCount: 1, Status: StatusFailed},
			maxAttempts: 3,
			want:        true,
		},
		{
			name:        "cannot retry at max",
			link:        Link{AttemptCount: 3, Status: StatusFailed},
			maxAttempts: 3,
			want:        false,
		},
		{
			name:        "cannot retry completed",
			link:        Link{AttemptCount: 1, Status: StatusCompleted},
			maxAttempts: 3,
			want:        false,
		},
		{
			name:        "can retry fresh pending",
			link:        Link{AttemptCount: 0, Status: StatusPending},
			maxAttempts: 3,
			want:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.link.CanRetry(tt.maxAttempts); got != tt.want {
				t.Errorf("CanRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLink_Active(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, true},
		{StatusProcessing, true},
		{StatusCompleted, true},
		{StatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			l := Link{Status: tt.status}
			if got := l.Active(); got != tt.want {
				t.Errorf("Active() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	if StatusPending.Terminal() || StatusProcessing.Terminal() {
		t.Error("pending/processing must not be terminal")
	}
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() {
		t.Error("completed/failed must be terminal")
	}
}

func TestJobPayload_Validate(t *testing.T) {
	valid := JobPayload{
		URL:        "https://example.com/article",
		TeamRef:    "T1",
		ChannelRef: "C1",
		MessageRef: "1718000000.000100",
	}

	tests := []struct {
		name    string
		mutate  func(*JobPayload)
		wantErr bool
	}{
		{"valid", func(p *JobPayload) {}, false},
		{"missing url", func(p *JobPayload) { p.URL = "" }, true},
		{"malformed url", func(p *JobPayload) { p.URL = "not a url" }, true},
		{"missing team", func(p *JobPayload) { p.TeamRef = "" }, true},
		{"missing channel", func(p *JobPayload) { p.ChannelRef = "" }, true},
		{"link id allowed", func(p *JobPayload) { p.LinkID = "abc" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"team not found", ErrTeamNotFound, true},
		{"team inactive wrapped", errors.Wrap(ErrTeamInactive, "team T1"), true},
		{"link not found", ErrLinkNotFound, true},
		{"link already failed", errors.Wrap(ErrLinkFailed, "link L1"), true},
		{"invalid url", ErrInvalidURL, true},
		{"transient", errors.New("extractor: unexpected status 503"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Permanent(tt.err); got != tt.want {
				t.Errorf("Permanent(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
