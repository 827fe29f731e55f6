// Package download runs the single long-lived HTTP GET behind a stream
// session and fans the received chunks out to buffer sinks.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrStreamEnded is reported when the server closes the stream.
	ErrStreamEnded = errors.New("stream ended")
	// ErrIdleTimeout is reported when no bytes arrive within the request timeout.
	ErrIdleTimeout = errors.New("stream idle timeout")

	errStopped = errors.New("session stopped")
)

// State is the download state of a Session.
type State int

const (
	NotStarted State = iota
	Active
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Active:
		return "active"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Sink receives every chunk of the stream. Append must not block; chunks
// are shared between sinks and must be treated as read-only.
type Sink interface {
	Append(chunk []byte)
}

// Info is the response metadata of the stream.
type Info struct {
	MIMEType      string
	ContentLength int64 // -1 when unknown, which is the norm for live streams
}

// Observer receives session events. Nil funcs are skipped. Callbacks run on
// the download goroutine and must return quickly.
type Observer struct {
	OnResponse func(Info)
	OnChunk    func(n int)
	OnFailure  func(err error)
}

// Options configures a Session.
type Options struct {
	Client         *http.Client
	RequestTimeout time.Duration // header wait and max gap between reads
	ReadSize       int
	UserAgent      string
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 60 * time.Second
	}
	if o.ReadSize <= 0 {
		o.ReadSize = 16 * 1024
	}
	if o.UserAgent == "" {
		o.UserAgent = "radiotap/1.0"
	}
	if o.Client == nil {
		o.Client = NewClient(o.RequestTimeout)
	}
	return o
}

// NewClient returns an HTTP client suited to an endless stream: no overall
// timeout, bounded dial, handshake and response-header waits.
func NewClient(requestTimeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   requestTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: requestTimeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   2,
		},
	}
}

// Session owns one persistent GET against a stream URL.
type Session struct {
	id        string
	url       string
	opts      Options
	createdAt time.Time

	mu        sync.Mutex
	state     State
	sinks     []Sink
	observers []Observer
	info      *Info
	err       error
	ctx       context.Context
	cancel    context.CancelCauseFunc
	done      chan struct{}
}

// New creates a session for streamURL. Nothing is fetched until Start.
func New(streamURL string, opts Options) *Session {
	return &Session{
		id:        uuid.NewString(),
		url:       streamURL,
		opts:      opts.withDefaults(),
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) URL() string          { return s.url }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Done is closed once the download goroutine has exited, or when the
// session is stopped before it started.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current download state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Info returns the response metadata once the response headers arrived.
func (s *Session) Info() (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		return Info{}, false
	}
	return *s.info, true
}

// AddSink registers a buffer that receives every following chunk.
func (s *Session) AddSink(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// AddObserver registers event callbacks.
func (s *Session) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Start opens the stream in the background. Calling Start on a session that
// already started, failed or stopped is a no-op, so several collaborators
// may call it and only one request is made.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != NotStarted {
		return
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	s.ctx, s.cancel = ctx, cancel
	s.state = Active
	go s.run(ctx)
}

// Stop cancels the download and waits for the goroutine to exit.
// Cancellation is expected here and is not reported as a failure.
func (s *Session) Stop() {
	s.mu.Lock()
	switch s.state {
	case NotStarted:
		s.state = Stopped
		close(s.done)
		s.mu.Unlock()
		return
	case Stopped:
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel(errStopped)
	<-s.done

	s.mu.Lock()
	if s.state != Failed {
		s.state = Stopped
	}
	s.mu.Unlock()
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		s.finish(ctx, fmt.Errorf("build request: %w", err))
		return
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("User-Agent", s.opts.UserAgent)

	resp, err := s.opts.Client.Do(req)
	if err != nil {
		s.finish(ctx, fmt.Errorf("open stream: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.finish(ctx, fmt.Errorf("open stream: unexpected status %s", resp.Status))
		return
	}

	info := Info{ContentLength: resp.ContentLength}
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err == nil {
		info.MIMEType = mt
	}
	s.mu.Lock()
	s.info = &info
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	slog.Info("stream opened", "session", s.id, "url", s.url, "mime", info.MIMEType)
	for _, o := range observers {
		if o.OnResponse != nil {
			o.OnResponse(info)
		}
	}

	idle := time.AfterFunc(s.opts.RequestTimeout, func() { s.cancel(ErrIdleTimeout) })
	defer idle.Stop()

	buf := make([]byte, s.opts.ReadSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			idle.Reset(s.opts.RequestTimeout)
			s.fanOut(bytes.Clone(buf[:n]))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamEnded
			}
			s.finish(ctx, err)
			return
		}
	}
}

// fanOut hands one chunk to every sink, then notifies observers.
func (s *Session) fanOut(chunk []byte) {
	s.mu.Lock()
	sinks := append([]Sink(nil), s.sinks...)
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	for _, sink := range sinks {
		sink.Append(chunk)
	}
	for _, o := range observers {
		if o.OnChunk != nil {
			o.OnChunk(len(chunk))
		}
	}
}

// finish records the terminal outcome. Errors caused by Stop are swallowed.
func (s *Session) finish(ctx context.Context, err error) {
	cause := context.Cause(ctx)
	if errors.Is(cause, errStopped) {
		slog.Debug("stream download cancelled", "session", s.id)
		return
	}
	if errors.Is(cause, ErrIdleTimeout) {
		err = ErrIdleTimeout
	}

	s.mu.Lock()
	s.state = Failed
	s.err = err
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	s.cancel(err)

	slog.Warn("stream download failed", "session", s.id, "url", s.url, "err", err)
	for _, o := range observers {
		if o.OnFailure != nil {
			o.OnFailure(err)
		}
	}
}
