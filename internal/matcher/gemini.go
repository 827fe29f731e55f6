package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/genai"

	"github.com/christian-lee/radiotap/internal/fingerprint"
)

const geminiPrompt = `The first audio clip is a trigger sound. The second audio clip is a recording of a live radio stream.
Report whether the trigger sound occurs in the recording.
Respond with JSON only, in the form {"matches":[{"id":1,"name":"","description":"","type":"","info":"","match_percentage":0}]}.
Use id 1 for the trigger. match_percentage is your confidence from 0 to 100. Return {"matches":[]} when the trigger is absent.`

// degradeFor is how long the fallback model is used after a rate limit.
const degradeFor = 30 * time.Second

type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error)

// GeminiMatcher asks a Gemini audio model whether the trigger occurs in a
// snapshot. Falls back to fallbackModel on 429/503, auto-recovers.
type GeminiMatcher struct {
	generate      generateFunc
	model         string
	fallbackModel string
	trigger       []byte
	triggerMIME   string
	degraded      atomic.Bool
	recoverAt     atomic.Int64 // unix millis
	now           func() time.Time
}

// GeminiOption configures a GeminiMatcher.
type GeminiOption func(*GeminiMatcher)

// WithFallbackModel sets the fallback model for rate limit situations.
func WithFallbackModel(model string) GeminiOption {
	return func(m *GeminiMatcher) {
		if model != "" {
			m.fallbackModel = model
		}
	}
}

func NewGeminiMatcher(ctx context.Context, apiKey, model, triggerPath string, opts ...GeminiOption) (*GeminiMatcher, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	gen := func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
		resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}
	return newGeminiMatcher(gen, model, triggerPath, opts...)
}

func newGeminiMatcher(gen generateFunc, model, triggerPath string, opts ...GeminiOption) (*GeminiMatcher, error) {
	trigger, err := os.ReadFile(triggerPath)
	if err != nil {
		return nil, fmt.Errorf("read trigger: %w", err)
	}
	m := &GeminiMatcher{
		generate:      gen,
		model:         model,
		fallbackModel: "gemini-2.0-flash",
		trigger:       trigger,
		triggerMIME:   audioMIME(triggerPath),
		now:           time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Match sends the trigger and the snapshot at audioPath to the model.
func (m *GeminiMatcher) Match(ctx context.Context, audioPath string) ([]fingerprint.Match, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(geminiPrompt),
			genai.NewPartFromBytes(m.trigger, m.triggerMIME),
			genai.NewPartFromBytes(audio, audioMIME(audioPath)),
		}, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}

	model := m.activeModel()
	text, err := m.generate(ctx, model, contents, cfg)
	if err != nil {
		if !isRateLimited(err) || model == m.fallbackModel {
			return nil, fmt.Errorf("gemini match: %w", err)
		}
		if !m.degraded.Load() {
			slog.Warn("rate limited, falling back", "from", model, "to", m.fallbackModel, "duration", degradeFor)
		}
		m.degraded.Store(true)
		m.recoverAt.Store(m.now().Add(degradeFor).UnixMilli())

		model = m.fallbackModel
		text, err = m.generate(ctx, model, contents, cfg)
		if err != nil {
			return nil, fmt.Errorf("gemini match (fallback): %w", err)
		}
	}

	matches, err := parseMatches(text)
	if err != nil {
		return nil, err
	}
	slog.Debug("gemini responded", "model", model, "candidates", len(matches))
	return matches, nil
}

func isRateLimited(err error) bool {
	s := err.Error()
	return strings.Contains(s, "429") || strings.Contains(s, "503") ||
		strings.Contains(s, "RESOURCE_EXHAUSTED") || strings.Contains(s, "UNAVAILABLE")
}

// parseMatches decodes the model reply, tolerating a markdown code fence.
func parseMatches(text string) ([]fingerprint.Match, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	var out matchResponse
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("decode gemini matches: %w", err)
	}
	return out.Matches, nil
}

// activeModel returns the current model, auto-recovering from degraded state.
func (m *GeminiMatcher) activeModel() string {
	if m.degraded.Load() {
		if m.now().UnixMilli() >= m.recoverAt.Load() {
			m.degraded.Store(false)
			slog.Info("recovered from rate limit, back to primary model", "model", m.model)
			return m.model
		}
		return m.fallbackModel
	}
	return m.model
}

func audioMIME(path string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); strings.HasPrefix(t, "audio/") {
		return t
	}
	return "audio/mpeg"
}
