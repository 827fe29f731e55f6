// Package session binds one stream download, its playback loader and the
// fingerprint scheduler into a single unit addressed by stream URL.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/christian-lee/radiotap/internal/buffer"
	"github.com/christian-lee/radiotap/internal/download"
	"github.com/christian-lee/radiotap/internal/fingerprint"
	"github.com/christian-lee/radiotap/internal/loader"
)

// ErrNoSession is returned when no stream session exists.
var ErrNoSession = errors.New("no active session")

// State of the lifecycle.
type State int

const (
	Idle State = iota
	Active
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Scheduler is the fingerprint scheduler driven by the lifecycle.
type Scheduler interface {
	Start(streamURL string, src fingerprint.Source)
	Stop()
	Buffer() *buffer.Rolling
}

// Options configures a Lifecycle.
type Options struct {
	Download download.Options
	// Observer is attached to every download, e.g. for metrics.
	Observer download.Observer
	// LoaderStrict makes loader invariant violations panic.
	LoaderStrict bool
	// OnPendingChange receives the loader's pending request count.
	OnPendingChange func(n int)
	// OnFailure is called after a session failed and was torn down. The
	// caller decides whether to Start again. It runs on its own goroutine.
	OnFailure func(streamURL string, err error)
}

// Status describes the current session.
type Status struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	State         string    `json:"state"`
	Download      string    `json:"download"`
	CreatedAt     time.Time `json:"created_at"`
	BufferedBytes int       `json:"buffered_bytes"`
	PendingLoads  int       `json:"pending_loads"`
	Err           string    `json:"error,omitempty"`
}

type stream struct {
	dl *download.Session
	ld *loader.Loader
}

// Lifecycle owns at most one stream session at a time.
type Lifecycle struct {
	sched Scheduler
	opts  Options

	op sync.Mutex // serialises Start, Stop and failure handling

	mu    sync.Mutex
	cur   *stream
	state State
	err   error
}

func New(sched Scheduler, opts Options) *Lifecycle {
	return &Lifecycle{sched: sched, opts: opts}
}

// Start begins streaming and fingerprinting streamURL. It is a no-op when
// streamURL is already active; a different URL replaces the current
// session, and a failed session for the same URL is restarted.
func (l *Lifecycle) Start(streamURL string) error {
	if err := validateURL(streamURL); err != nil {
		return err
	}

	l.op.Lock()
	defer l.op.Unlock()

	l.mu.Lock()
	cur, state := l.cur, l.state
	l.mu.Unlock()
	if state == Active && cur != nil && cur.dl.URL() == streamURL {
		slog.Debug("session already active", "url", streamURL)
		return nil
	}
	if cur != nil {
		l.teardown(cur)
	}

	dl := download.New(streamURL, l.opts.Download)
	dl.AddObserver(l.opts.Observer)
	dl.AddObserver(download.Observer{
		OnFailure: func(err error) { go l.handleFailure(dl, err) },
	})
	ld := loader.New(dl, loader.Options{
		Strict:          l.opts.LoaderStrict,
		OnPendingChange: l.opts.OnPendingChange,
	})
	next := &stream{dl: dl, ld: ld}

	l.mu.Lock()
	l.cur = next
	l.state = Active
	l.err = nil
	l.mu.Unlock()

	// the scheduler needs data even before anyone plays the stream
	l.sched.Start(streamURL, dl)
	slog.Info("session started", "session", dl.ID(), "url", streamURL)
	return nil
}

// Stop tears the session down: the download is cancelled, pending playback
// requests are finished and both buffers are cleared.
func (l *Lifecycle) Stop() error {
	l.op.Lock()
	defer l.op.Unlock()

	l.mu.Lock()
	cur := l.cur
	l.cur = nil
	l.state = Idle
	l.err = nil
	l.mu.Unlock()

	if cur == nil {
		return ErrNoSession
	}
	l.teardown(cur)
	slog.Info("session stopped", "session", cur.dl.ID(), "url", cur.dl.URL())
	return nil
}

func (l *Lifecycle) teardown(s *stream) {
	l.sched.Stop()
	s.dl.Stop()
	s.ld.Invalidate()
}

func (l *Lifecycle) handleFailure(dl *download.Session, err error) {
	l.op.Lock()
	l.mu.Lock()
	stale := l.cur == nil || l.cur.dl != dl
	var ld *loader.Loader
	if !stale {
		ld = l.cur.ld
		l.state = Failed
		l.err = err
	}
	l.mu.Unlock()
	if stale {
		l.op.Unlock()
		return
	}

	l.sched.Stop()
	ld.Invalidate()
	l.op.Unlock()

	slog.Warn("session failed", "session", dl.ID(), "url", dl.URL(), "err", err)
	if l.opts.OnFailure != nil {
		l.opts.OnFailure(dl.URL(), err)
	}
}

// Loader returns the playback loader of the active session.
func (l *Lifecycle) Loader() (*loader.Loader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur == nil || l.state != Active {
		return nil, ErrNoSession
	}
	return l.cur.ld, nil
}

// State returns the lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Status reports the current session, if any.
func (l *Lifecycle) Status() (Status, error) {
	l.mu.Lock()
	cur, state, err := l.cur, l.state, l.err
	l.mu.Unlock()
	if cur == nil {
		return Status{}, ErrNoSession
	}

	st := Status{
		ID:           cur.dl.ID(),
		URL:          cur.dl.URL(),
		State:        state.String(),
		Download:     cur.dl.State().String(),
		CreatedAt:    cur.dl.CreatedAt(),
		PendingLoads: cur.ld.Pending(),
	}
	if state == Active {
		st.BufferedBytes = l.sched.Buffer().Len()
	}
	if err != nil {
		st.Err = err.Error()
	}
	return st, nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse stream url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("stream url %q: want an absolute http(s) url", raw)
	}
	return nil
}
