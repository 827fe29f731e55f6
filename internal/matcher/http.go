// Package matcher provides fingerprint matcher backends: a remote HTTP
// fingerprint service and a Gemini audio model.
package matcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/christian-lee/radiotap/internal/fingerprint"
)

// maxResponseBytes bounds the body read from a matcher service.
const maxResponseBytes = 1 << 20

// HTTPMatcher posts snapshots to a remote fingerprint service.
type HTTPMatcher struct {
	endpoint    string
	client      *http.Client
	trigger     []byte
	triggerName string
}

// NewHTTPMatcher reads the trigger file once and returns a matcher posting
// to endpoint. timeout bounds each call.
func NewHTTPMatcher(endpoint, triggerPath string, timeout time.Duration) (*HTTPMatcher, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("matcher endpoint is empty")
	}
	trigger, err := os.ReadFile(triggerPath)
	if err != nil {
		return nil, fmt.Errorf("read trigger: %w", err)
	}
	return &HTTPMatcher{
		endpoint:    endpoint,
		client:      &http.Client{Timeout: timeout},
		trigger:     trigger,
		triggerName: filepath.Base(triggerPath),
	}, nil
}

type matchResponse struct {
	Matches []fingerprint.Match `json:"matches"`
}

// Match uploads the audio file at audioPath together with the trigger and
// returns the service's candidates.
func (m *HTTPMatcher) Match(ctx context.Context, audioPath string) ([]fingerprint.Match, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := writeFile(w, "audio", filepath.Base(audioPath), audio); err != nil {
		return nil, err
	}
	if err := writeFile(w, "trigger", m.triggerName, m.trigger); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post snapshot: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("matcher returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out matchResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode matches: %w", err)
	}
	slog.Debug("matcher responded", "candidates", len(out.Matches), "bytes", len(audio))
	return out.Matches, nil
}

func writeFile(w *multipart.Writer, field, name string, data []byte) error {
	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return fmt.Errorf("create %s part: %w", field, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write %s part: %w", field, err)
	}
	return nil
}
