// Package fingerprint periodically snapshots a live stream, submits the
// snapshot to an audio fingerprint matcher and surfaces de-duplicated
// matches to the caller.
package fingerprint

import (
	"context"
	"fmt"
)

// Match is one candidate returned by a matcher.
type Match struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Info        string `json:"info"`
	Confidence  int    `json:"match_percentage"` // 0-100
}

func (m Match) String() string {
	return fmt.Sprintf("#%d %q (%s, %d%%)", m.ID, m.Name, m.Type, m.Confidence)
}

// Matcher looks for the trigger fingerprint in an audio file. A call may
// take long; implementations should honour ctx. Returning is the single
// completion of the call; an error counts as "no match" for the cycle.
type Matcher interface {
	Match(ctx context.Context, audioPath string) ([]Match, error)
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(ctx context.Context, audioPath string) ([]Match, error)

func (f MatcherFunc) Match(ctx context.Context, audioPath string) ([]Match, error) {
	return f(ctx, audioPath)
}

// UniqueByID keeps the first candidate of every id, preserving order.
func UniqueByID(matches []Match) []Match {
	seen := make(map[int]bool, len(matches))
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out
}

// Best picks the highest-confidence unique candidate at or above threshold.
// Ties go to the earlier candidate.
func Best(matches []Match, threshold int) (Match, bool) {
	var best Match
	found := false
	for _, m := range UniqueByID(matches) {
		if m.Confidence < threshold {
			continue
		}
		if !found || m.Confidence > best.Confidence {
			best = m
			found = true
		}
	}
	return best, found
}
