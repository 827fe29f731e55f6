package main

import (
	"log/slog"
	"sync"
	"time"

	"github.com/christian-lee/radiotap/internal/fingerprint"
	"github.com/christian-lee/radiotap/internal/matchlog"
)

// restarter retries failed sessions with exponential backoff. Consecutive
// failures of the same URL double the delay up to max; a different URL or
// a quiet period of max resets it.
type restarter struct {
	mu       sync.Mutex
	base     time.Duration
	max      time.Duration
	url      string
	attempt  int
	lastFail time.Time
	timer    *time.Timer
	stopped  bool
	now      func() time.Time
}

func newRestarter(base, max time.Duration) *restarter {
	return &restarter{base: base, max: max, now: time.Now}
}

func (r *restarter) setBackoff(base, max time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.base, r.max = base, max
}

// next returns the delay for a failure of streamURL.
func (r *restarter) next(streamURL string) time.Duration {
	now := r.now()
	if streamURL != r.url || now.Sub(r.lastFail) > r.max+r.backoffLocked(r.attempt) {
		r.attempt = 0
	}
	r.url = streamURL
	r.lastFail = now
	d := r.backoffLocked(r.attempt)
	r.attempt++
	return d
}

func (r *restarter) backoffLocked(attempt int) time.Duration {
	d := r.base
	for i := 0; i < attempt && d < r.max; i++ {
		d *= 2
	}
	if d > r.max {
		d = r.max
	}
	return d
}

// schedule runs fn after the backoff for streamURL, replacing any pending
// restart.
func (r *restarter) schedule(streamURL string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	d := r.next(streamURL)
	if r.timer != nil {
		r.timer.Stop()
	}
	slog.Info("session restart scheduled", "url", streamURL, "in", d, "attempt", r.attempt)
	r.timer = time.AfterFunc(d, fn)
}

func (r *restarter) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

// matchLogs keeps one CSV match log open per stream URL, rotating when the
// URL changes.
type matchLogs struct {
	dir string

	mu  sync.Mutex
	url string
	cur *matchlog.Logger
}

func newMatchLogs(dir string) *matchLogs {
	return &matchLogs{dir: dir}
}

func (l *matchLogs) write(streamURL string, m fingerprint.Match) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur == nil || l.url != streamURL {
		if l.cur != nil {
			l.cur.Close()
			l.cur = nil
		}
		lg, err := matchlog.NewLogger(l.dir, streamURL)
		if err != nil {
			slog.Error("open match log failed", "err", err)
			return
		}
		l.cur, l.url = lg, streamURL
		slog.Info("match log opened", "path", lg.Path())
	}
	l.cur.Write(m)
}

func (l *matchLogs) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur != nil {
		l.cur.Close()
		l.cur = nil
	}
}
