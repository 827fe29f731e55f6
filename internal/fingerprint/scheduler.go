package fingerprint

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/christian-lee/radiotap/internal/buffer"
	"github.com/christian-lee/radiotap/internal/download"
)

// State of a Scheduler.
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome of one snapshot cycle.
type Outcome string

const (
	OutcomeEmpty      Outcome = "empty"
	OutcomeNoMatch    Outcome = "no_match"
	OutcomeMatched    Outcome = "matched"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeError      Outcome = "error"
	OutcomeStale      Outcome = "stale"
)

// Source is the stream download the scheduler taps.
type Source interface {
	AddSink(sink download.Sink)
	Start()
}

// Config tunes a Scheduler.
type Config struct {
	Threshold    int           // minimum confidence, 0-100
	BufferCap    int           // rolling buffer cap in bytes
	Interval     time.Duration // pause between cycles
	InitialDelay time.Duration // delay before the first cycle
	ScratchDir   string        // where snapshots are written, "" for os.TempDir
	SnapshotExt  string        // scratch file extension, e.g. ".mp3"
	Policy       CooldownPolicy
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Threshold:    10,
		BufferCap:    400_000,
		Interval:     2 * time.Second,
		InitialDelay: 2 * time.Second,
		SnapshotExt:  ".mp3",
		Policy:       DefaultCooldownPolicy(),
	}
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now for cooldown bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithCycleHook receives the outcome and matcher latency of every cycle.
func WithCycleHook(fn func(o Outcome, matcherTime time.Duration)) Option {
	return func(s *Scheduler) { s.onCycle = fn }
}

type event struct {
	match Match
	epoch uint64
}

// Scheduler runs the single-flight snapshot, match, reschedule loop for one
// stream at a time. Matches are delivered to onMatch on a dedicated
// goroutine, in order, at most once each.
type Scheduler struct {
	matcher Matcher
	onMatch func(Match)
	onCycle func(Outcome, time.Duration)
	now     func() time.Time
	buf     *buffer.Rolling

	mu     sync.Mutex
	cfg    Config
	state  State
	url    string
	epoch  uint64
	timer  *time.Timer
	last   *Match
	lastAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	quit   chan struct{}
	wg     sync.WaitGroup
	cycles sync.WaitGroup // armed or running cycles
}

// New creates an idle scheduler. onMatch may be nil.
func New(matcher Matcher, cfg Config, onMatch func(Match), opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.BufferCap <= 0 {
		cfg.BufferCap = def.BufferCap
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if cfg.SnapshotExt == "" {
		cfg.SnapshotExt = def.SnapshotExt
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		matcher: matcher,
		onMatch: onMatch,
		now:     time.Now,
		buf:     buffer.NewRolling(cfg.BufferCap),
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan event, 16),
		quit:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Start begins fingerprinting streamURL. It is a no-op when already running
// against the same URL; otherwise any previous run is stopped, buffers are
// reset, the rolling buffer is attached to src and the first cycle is armed
// after the initial delay. src may be nil when chunks are fed elsewhere.
func (s *Scheduler) Start(streamURL string, src Source) {
	s.mu.Lock()
	if (s.state == Running || s.state == Starting) && s.url == streamURL {
		s.mu.Unlock()
		return
	}
	if s.state != Idle {
		s.stopLocked()
	}
	s.state = Starting
	s.epoch++
	ep := s.epoch
	s.url = streamURL
	s.buf.Reset()
	s.last = nil
	delay := s.cfg.InitialDelay
	s.mu.Unlock()

	if src != nil {
		src.AddSink(epochSink{s: s, epoch: ep})
		src.Start()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != ep {
		return
	}
	s.state = Running
	s.arm(ep, delay)
	slog.Info("fingerprinting started", "url", streamURL, "first_cycle_in", delay)
}

// Stop cancels the armed cycle, clears the buffer and cooldown state and
// returns to Idle. A matcher call already in flight runs to completion but
// its result is discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Idle {
		return
	}
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	s.state = Stopping
	s.epoch++
	if s.timer != nil {
		if s.timer.Stop() {
			s.cycles.Done()
		}
		s.timer = nil
	}
	s.buf.Reset()
	s.last = nil
	s.lastAt = time.Time{}
	slog.Info("fingerprinting stopped", "url", s.url)
	s.url = ""
	s.state = Idle
}

// Close stops the scheduler for good, aborting any in-flight matcher call.
func (s *Scheduler) Close() {
	s.Stop()
	s.cancel()
	s.cycles.Wait()
	close(s.quit)
	s.wg.Wait()
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// URL returns the stream being fingerprinted, "" when idle.
func (s *Scheduler) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// LastMatch returns the last surfaced match and when it was surfaced.
func (s *Scheduler) LastMatch() (Match, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Match{}, time.Time{}, false
	}
	return *s.last, s.lastAt, true
}

// Buffer exposes the rolling buffer, mainly for status reporting.
func (s *Scheduler) Buffer() *buffer.Rolling { return s.buf }

// UpdateTuning applies a new threshold and cooldown policy; the next cycle
// picks them up. Buffer cap and intervals are fixed for the scheduler's life.
func (s *Scheduler) UpdateTuning(threshold int, policy CooldownPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Threshold = threshold
	s.cfg.Policy = policy
}

// epochSink drops chunks from a download that belongs to an older run.
type epochSink struct {
	s     *Scheduler
	epoch uint64
}

// The check and the append share mu with Start and Stop, so no chunk lands
// in the buffer after the reset that ended its run.
func (e epochSink) Append(chunk []byte) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if e.s.epoch != e.epoch {
		return
	}
	e.s.buf.Append(chunk)
}

// arm schedules the next cycle. Called with mu held.
func (s *Scheduler) arm(ep uint64, d time.Duration) {
	s.cycles.Add(1)
	s.timer = time.AfterFunc(d, func() {
		defer s.cycles.Done()
		s.cycle(ep)
	})
}

func (s *Scheduler) cycle(ep uint64) {
	s.mu.Lock()
	if s.epoch != ep || s.state != Running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	outcome, took := s.runCycle(ep)
	if s.onCycle != nil {
		s.onCycle(outcome, took)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == ep && s.state == Running {
		s.arm(ep, s.cfg.Interval)
	}
}

func (s *Scheduler) runCycle(ep uint64) (Outcome, time.Duration) {
	if s.buf.Len() == 0 {
		return OutcomeEmpty, 0
	}
	data := s.buf.Snapshot()

	path, err := s.writeScratch(data)
	if err != nil {
		slog.Error("write snapshot failed", "err", err)
		return OutcomeError, 0
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("remove snapshot failed", "path", path, "err", err)
		}
	}()

	start := time.Now()
	candidates, err := s.matcher.Match(s.ctx, path)
	took := time.Since(start)
	if err != nil {
		if s.isStale(ep) {
			return OutcomeStale, took
		}
		slog.Warn("matcher failed", "bytes", len(data), "err", err)
		return OutcomeError, took
	}
	return s.apply(ep, candidates), took
}

func (s *Scheduler) writeScratch(data []byte) (string, error) {
	dir := s.cfg.ScratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "snapshot-"+uuid.NewString()+s.cfg.SnapshotExt)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write scratch file: %w", err)
	}
	return path, nil
}

func (s *Scheduler) isStale(ep uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch != ep || s.state != Running
}

// apply runs selection and the cooldown policy on one matcher result.
func (s *Scheduler) apply(ep uint64, candidates []Match) Outcome {
	s.mu.Lock()
	if s.epoch != ep || s.state != Running {
		s.mu.Unlock()
		slog.Debug("discarding stale matcher result", "candidates", len(candidates))
		return OutcomeStale
	}

	best, ok := Best(candidates, s.cfg.Threshold)
	if !ok {
		threshold := s.cfg.Threshold
		s.mu.Unlock()
		slog.Debug("no match above threshold", "candidates", len(candidates), "threshold", threshold)
		return OutcomeNoMatch
	}

	now := s.now()
	var elapsed time.Duration
	if s.last != nil {
		elapsed = now.Sub(s.lastAt)
	}
	if !s.cfg.Policy.Accept(best, s.last, elapsed) {
		prev := *s.last
		s.mu.Unlock()
		slog.Info("duplicate recognition suppressed", "match", best, "previous", prev, "elapsed", elapsed)
		return OutcomeSuppressed
	}

	m := best
	s.last = &m
	s.lastAt = now
	s.mu.Unlock()

	slog.Info("match detected", "match", best)
	select {
	case s.events <- event{match: best, epoch: ep}:
	case <-s.quit:
	}
	return OutcomeMatched
}

// dispatch delivers matches on a single goroutine, skipping any whose run
// was stopped before delivery.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.events:
			s.mu.Lock()
			live := s.epoch == ev.epoch
			s.mu.Unlock()
			if live && s.onMatch != nil {
				s.onMatch(ev.match)
			}
		case <-s.quit:
			return
		}
	}
}
