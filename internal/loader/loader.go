// Package loader answers a playback engine's load requests from a live
// stream download. Requests are queued and re-evaluated on a single run
// loop after every state change; data requests are only fulfilled once the
// full requested length has been downloaded.
package loader

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/christian-lee/radiotap/internal/buffer"
	"github.com/christian-lee/radiotap/internal/download"
)

var (
	// ErrInvalidated is passed to requests force-finished after the stream failed.
	ErrInvalidated = errors.New("loader invalidated")
	// ErrInvalidLength is passed to data requests asking for a negative length.
	ErrInvalidLength = errors.New("invalid request length")
)

// DefaultMaxBuffered is the consuming buffer cap used when Options leaves it
// unset, about a minute of 128 kbit/s audio.
const DefaultMaxBuffered = 1 << 20

// Kind tells what a load request asks for.
type Kind int

const (
	KindInfo Kind = iota
	KindData
)

func (k Kind) String() string {
	if k == KindInfo {
		return "info"
	}
	return "data"
}

// ContentInfo answers an info request.
type ContentInfo struct {
	MIMEType        string
	ContentLength   int64
	ByteRangeAccess bool
}

// Request is one playback engine load request. Implementations must be
// comparable (usually a pointer) since the loader tracks them by identity.
// The loader calls FillInfo+Finish, Respond+Finish or FinishWithError,
// always from its run loop goroutine and at most once per request.
type Request interface {
	Kind() Kind
	Offset() int64
	Length() int
	FillInfo(info ContentInfo)
	Respond(data []byte)
	Finish()
	FinishWithError(err error)
}

// Source is the stream download the loader reads from.
type Source interface {
	AddSink(sink download.Sink)
	AddObserver(o download.Observer)
	Info() (download.Info, bool)
	Start()
}

// Options configures a Loader.
type Options struct {
	// Strict panics on internal invariant violations, such as a request
	// being finished twice. Otherwise they are logged and ignored.
	Strict bool
	// OnPendingChange receives the pending request count after every pass.
	OnPendingChange func(n int)
	// MaxBuffered caps the downloaded bytes held for playback. The oldest
	// chunks are dropped beyond it. Zero means DefaultMaxBuffered.
	MaxBuffered int
}

type reqState int

const (
	statePending reqState = iota
	stateFinished
	stateCancelled
)

type pendingRequest struct {
	req   Request
	state reqState
}

// Loader serves load requests for one stream session.
type Loader struct {
	src  Source
	opts Options
	buf  *buffer.Consuming

	mu      sync.Mutex
	started bool
	closed  bool
	inbox   []func()

	wake chan struct{}
	done chan struct{}

	pendingCount atomic.Int64

	// gate admits chunks into buf only while a playback client is attached
	gate     sync.Mutex
	attached bool
	invalid  bool

	// owned by the run loop
	pending  []*pendingRequest
	index    map[Request]*pendingRequest
	info     *download.Info
	stopping bool
	stopErr  error
}

// New attaches a loader to src. The download is not started until the
// first request arrives.
func New(src Source, opts Options) *Loader {
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = DefaultMaxBuffered
	}
	l := &Loader{
		src:   src,
		opts:  opts,
		buf:   buffer.NewBoundedConsuming(opts.MaxBuffered),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		index: make(map[Request]*pendingRequest),
	}
	if info, ok := src.Info(); ok {
		l.info = &info
	}
	src.AddSink(sink{l})
	src.AddObserver(download.Observer{
		OnResponse: func(info download.Info) {
			l.post(func() { l.info = &info })
		},
		OnFailure: func(err error) {
			l.post(func() { l.beginStop(err) })
		},
	})
	go l.run()
	return l
}

// sink feeds downloaded chunks into the consuming buffer and wakes the loop.
// Chunks arriving while no client is attached are dropped, so playback
// always starts from live audio.
type sink struct{ l *Loader }

func (s sink) Append(chunk []byte) {
	s.l.gate.Lock()
	if !s.l.attached || s.l.invalid {
		s.l.gate.Unlock()
		return
	}
	s.l.buf.Append(chunk)
	s.l.gate.Unlock()
	s.l.notify()
}

// attach opens the gate with an empty buffer. Run loop only.
func (l *Loader) attach() {
	l.gate.Lock()
	defer l.gate.Unlock()
	if l.attached || l.invalid {
		return
	}
	l.attached = true
	l.buf.Reset()
	slog.Debug("playback attached")
}

// detachIfIdle closes the gate and drops buffered bytes once no request is
// pending. Run loop only.
func (l *Loader) detachIfIdle() {
	if len(l.index) > 0 {
		return
	}
	l.gate.Lock()
	defer l.gate.Unlock()
	if !l.attached {
		return
	}
	l.attached = false
	l.buf.Reset()
	slog.Debug("playback detached", "evicted_bytes", l.buf.Dropped())
}

// ShouldHandle accepts a request for asynchronous fulfilment. The first call
// starts the download. It returns false once the loader is invalidated.
func (l *Loader) ShouldHandle(req Request) bool {
	if req.Kind() == KindData {
		slog.Debug("data request", "offset", req.Offset(), "length", req.Length())
	} else {
		slog.Debug("content info request")
	}
	if !l.post(func() { l.enqueue(req) }) {
		return false
	}

	l.mu.Lock()
	first := !l.started
	l.started = true
	l.mu.Unlock()
	if first {
		l.src.Start()
	}
	return true
}

// DidCancel drops a request that is still pending. A cancelled request is
// never fulfilled afterwards; cancelling a finished request is a no-op.
func (l *Loader) DidCancel(req Request) {
	l.post(func() { l.cancel(req) })
}

// Detach tells the loader the playback client went away. Once no request is
// pending, buffered bytes are dropped and new chunks are ignored until the
// next ShouldHandle.
func (l *Loader) Detach() {
	l.post(func() {
		l.detachIfIdle()
		l.reportPending()
	})
}

// Invalidate force-finishes every pending request, drops buffered data and
// stops the run loop. It must not be called from a Request callback.
func (l *Loader) Invalidate() {
	l.post(func() { l.beginStop(nil) })
	<-l.done
}

// Done is closed once the loader has been invalidated.
func (l *Loader) Done() <-chan struct{} { return l.done }

// Pending returns the number of requests waiting for data.
func (l *Loader) Pending() int { return int(l.pendingCount.Load()) }

// Buffered returns the number of downloaded bytes not yet handed out.
func (l *Loader) Buffered() int { return l.buf.Len() }

// post queues fn for the run loop. It returns false once the loop is gone.
func (l *Loader) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.inbox = append(l.inbox, fn)
	l.mu.Unlock()
	l.notify()
	return true
}

func (l *Loader) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loader) drain() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	inbox := l.inbox
	l.inbox = nil
	return inbox
}

func (l *Loader) run() {
	defer close(l.done)
	for range l.wake {
		for _, fn := range l.drain() {
			fn()
		}
		if l.stopping {
			l.shutdown()
			return
		}
		l.processPending()
	}
}

func (l *Loader) enqueue(req Request) {
	if l.stopping {
		l.forceFinish(req)
		return
	}
	if _, ok := l.index[req]; ok {
		l.violation("request enqueued twice", req)
		return
	}
	if req.Kind() == KindData && req.Length() < 0 {
		req.FinishWithError(fmt.Errorf("%w: %d", ErrInvalidLength, req.Length()))
		return
	}
	l.attach()
	p := &pendingRequest{req: req}
	l.index[req] = p
	l.pending = append(l.pending, p)
}

func (l *Loader) cancel(req Request) {
	p, ok := l.index[req]
	if !ok {
		return
	}
	p.state = stateCancelled
	delete(l.index, req)
	slog.Debug("load request cancelled", "kind", req.Kind())
	l.detachIfIdle()
}

func (l *Loader) beginStop(err error) {
	if l.stopping {
		return
	}
	l.stopping = true
	l.stopErr = err
}

// processPending re-evaluates every pending request, oldest first, so a
// satisfiable request is never starved by newer ones.
func (l *Loader) processPending() {
	remaining := l.pending[:0]
	for _, p := range l.pending {
		if p.state != statePending {
			continue
		}
		if !l.tryFulfil(p) {
			remaining = append(remaining, p)
		}
	}
	for i := len(remaining); i < len(l.pending); i++ {
		l.pending[i] = nil
	}
	l.pending = remaining
	l.reportPending()
}

func (l *Loader) tryFulfil(p *pendingRequest) bool {
	switch p.req.Kind() {
	case KindInfo:
		if l.info == nil {
			return false
		}
		if !l.complete(p) {
			return true
		}
		p.req.FillInfo(ContentInfo{
			MIMEType:      l.info.MIMEType,
			ContentLength: l.info.ContentLength,
		})
		p.req.Finish()
		return true
	default:
		data, ok := l.buf.Consume(p.req.Length())
		if !ok {
			return false
		}
		if !l.complete(p) {
			return true
		}
		p.req.Respond(data)
		p.req.Finish()
		return true
	}
}

// complete marks p finished. It reports false when p was already finished.
func (l *Loader) complete(p *pendingRequest) bool {
	if p.state != statePending {
		l.violation("request fulfilled twice", p.req)
		return false
	}
	p.state = stateFinished
	delete(l.index, p.req)
	return true
}

func (l *Loader) shutdown() {
	l.mu.Lock()
	l.closed = true
	leftover := l.inbox
	l.inbox = nil
	l.mu.Unlock()

	for _, fn := range leftover {
		fn()
	}
	for _, p := range l.pending {
		if p.state == statePending && l.complete(p) {
			l.forceFinish(p.req)
		}
	}
	l.pending = nil
	l.gate.Lock()
	l.invalid = true
	l.attached = false
	l.buf.Reset()
	l.gate.Unlock()
	l.reportPending()

	if l.stopErr != nil {
		slog.Warn("loader invalidated", "err", l.stopErr)
	} else {
		slog.Debug("loader invalidated")
	}
}

func (l *Loader) forceFinish(req Request) {
	if l.stopErr != nil {
		req.FinishWithError(fmt.Errorf("%w: %v", ErrInvalidated, l.stopErr))
		return
	}
	req.Finish()
}

func (l *Loader) reportPending() {
	n := len(l.index)
	l.pendingCount.Store(int64(n))
	if l.opts.OnPendingChange != nil {
		l.opts.OnPendingChange(n)
	}
}

func (l *Loader) violation(msg string, req Request) {
	if l.opts.Strict {
		panic(fmt.Sprintf("loader: %s (kind=%s)", msg, req.Kind()))
	}
	slog.Warn("loader invariant violated", "msg", msg, "kind", req.Kind())
}
