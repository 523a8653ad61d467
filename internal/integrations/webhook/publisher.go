// Package webhook posts sync cycle outcomes to an external endpoint,
// uuid-tagged so receivers can deduplicate deliveries.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"foliotrack/internal/sync"
)

type Publisher struct {
	url        string
	httpClient *http.Client
}

func NewPublisher(url string, timeout time.Duration) *Publisher {
	return &Publisher{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type outcomeEvent struct {
	JobID     string `json:"job_id"`
	AccountID int64  `json:"broker_account_id"`
	Outcome   string `json:"outcome"`
	Cause     string `json:"cause,omitempty"`
	At        string `json:"at"`
}

// Publish delivers one outcome event. Unconfigured publishers are a
// silent no-op so callers never need to special-case them.
func (p *Publisher) Publish(ctx context.Context, jobID string, result sync.Result) error {
	if p.url == "" {
		return nil
	}

	event := outcomeEvent{
		JobID:     jobID,
		AccountID: result.AccountID,
		Outcome:   string(result.Outcome),
		At:        time.Now().UTC().Format(time.RFC3339),
	}
	if result.Err != nil {
		event.Cause = result.Err.Error()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-ID", jobID)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
