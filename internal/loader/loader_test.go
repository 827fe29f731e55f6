package loader

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christian-lee/radiotap/internal/download"
)

type fakeSource struct {
	mu        sync.Mutex
	sinks     []download.Sink
	observers []download.Observer
	info      *download.Info
	starts    atomic.Int32
}

func (f *fakeSource) AddSink(s download.Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

func (f *fakeSource) AddObserver(o download.Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, o)
}

func (f *fakeSource) Info() (download.Info, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.info == nil {
		return download.Info{}, false
	}
	return *f.info, true
}

func (f *fakeSource) Start() { f.starts.Add(1) }

func (f *fakeSource) respond(info download.Info) {
	f.mu.Lock()
	f.info = &info
	obs := append([]download.Observer(nil), f.observers...)
	f.mu.Unlock()
	for _, o := range obs {
		o.OnResponse(info)
	}
}

func (f *fakeSource) chunk(b []byte) {
	f.mu.Lock()
	sinks := append([]download.Sink(nil), f.sinks...)
	f.mu.Unlock()
	for _, s := range sinks {
		s.Append(b)
	}
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	obs := append([]download.Observer(nil), f.observers...)
	f.mu.Unlock()
	for _, o := range obs {
		o.OnFailure(err)
	}
}

type fakeRequest struct {
	kind   Kind
	length int

	mu       sync.Mutex
	info     *ContentInfo
	data     bytes.Buffer
	finishes int
	err      error
	done     chan struct{}
}

func newData(n int) *fakeRequest {
	return &fakeRequest{kind: KindData, length: n, done: make(chan struct{})}
}

func newInfo() *fakeRequest {
	return &fakeRequest{kind: KindInfo, done: make(chan struct{})}
}

func (r *fakeRequest) Kind() Kind    { return r.kind }
func (r *fakeRequest) Offset() int64 { return 0 }
func (r *fakeRequest) Length() int   { return r.length }

func (r *fakeRequest) FillInfo(info ContentInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info = &info
}

func (r *fakeRequest) Respond(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Write(data)
}

func (r *fakeRequest) Finish() { r.finishWith(nil) }

func (r *fakeRequest) FinishWithError(err error) { r.finishWith(err) }

func (r *fakeRequest) finishWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishes++
	r.err = err
	if r.finishes == 1 {
		close(r.done)
	}
}

func (r *fakeRequest) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *fakeRequest) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("request not finished")
	}
}

// barrier waits until the run loop has handled, and run a pass over,
// everything posted so far. Two round trips are needed since a posted func
// runs before the pass of its own iteration.
func barrier(t *testing.T, l *Loader) {
	t.Helper()
	for i := 0; i < 2; i++ {
		ch := make(chan struct{})
		require.True(t, l.post(func() { close(ch) }))
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("run loop stalled")
		}
	}
}

func TestLoader_StartsDownloadOnFirstRequest(t *testing.T) {
	src := &fakeSource{}
	l := New(src, Options{Strict: true})
	defer l.Invalidate()

	assert.Zero(t, src.starts.Load())
	require.True(t, l.ShouldHandle(newInfo()))
	require.True(t, l.ShouldHandle(newData(4)))
	require.True(t, l.ShouldHandle(newData(4)))
	assert.EqualValues(t, 1, src.starts.Load())
}

func TestLoader_InfoRequestWaitsForResponse(t *testing.T) {
	src := &fakeSource{}
	l := New(src, Options{Strict: true})
	defer l.Invalidate()

	req := newInfo()
	require.True(t, l.ShouldHandle(req))
	barrier(t, l)
	assert.False(t, req.finished())

	src.respond(download.Info{MIMEType: "audio/mpeg", ContentLength: -1})
	req.wait(t)

	require.NotNil(t, req.info)
	assert.Equal(t, "audio/mpeg", req.info.MIMEType)
	assert.EqualValues(t, -1, req.info.ContentLength)
	assert.False(t, req.info.ByteRangeAccess)
	assert.NoError(t, req.err)
}

func TestLoader_InfoKnownBeforeAttach(t *testing.T) {
	src := &fakeSource{info: &download.Info{MIMEType: "audio/aac", ContentLength: -1}}
	l := New(src, Options{Strict: true})
	defer l.Invalidate()

	req := newInfo()
	require.True(t, l.ShouldHandle(req))
	req.wait(t)
	assert.Equal(t, "audio/aac", req.info.MIMEType)
}

func TestLoader_DataRequestNeedsFullLength(t *testing.T) {
	src := &fakeSource{}
	l := New(src, Options{Strict: true})
	defer l.Invalidate()

	req := newData(6)
	require.True(t, l.ShouldHandle(req))
	barrier(t, l)

	src.chunk([]byte("abc"))
	barrier(t, l)
	assert.False(t, req.finished(), "partial data must not fulfil")
	assert.Equal(t, 1, l.Pending())

	src.chunk([]byte("defgh"))
	req.wait(t)
	assert.Equal(t, "abcdef", req.data.String())
	assert.Equal(t, 1, req.finishes)

	barrier(t, l)
	assert.Equal(t, 0, l.Pending())
	assert.Equal(t, 2, l.Buffered())
}

func TestLoader_EveryPendingRequestReevaluated(t *testing.T) {
	src := &fakeSource{}
	l := New(src, Options{Strict: true})
	defer l.Invalidate()

	big, small := newData(10), newData(3)
	require.True(t, l.ShouldHandle(big))
	require.True(t, l.ShouldHandle(small))
	barrier(t, l)

	src.chunk([]byte("1234"))
	small.wait(t)
	assert.False(t, big.finished())
	assert.Equal(t, "1234"[:3], small.data.String())

	src.chunk([]byte("567890abc"))
	big.wait(t)
	assert.Equal(t, "4567890abc", big.data.String())
}

func TestLoader_CancelledRequestNeverFulfilled(t *testing.T) {
	src := &fakeSource{}
	l := New(src, Options{Strict: true})
	defer l.Invalidate()

	req := newData(2)
	require.True(t, l.ShouldHandle(req))
	l.DidCancel(req)
	barrier(t, l)

	// nothing is pending, so the loader has detached and drops chunks
	src.chunk([]byte("abcdef"))
	barrier(t, l)
	assert.False(t, req.finished())
	assert.Equal(t, 0, l.Pending())
	assert.Equal(t, 0, l.Buffered())

	// cancelling again or after completion is a no-op
	l.DidCancel(req)
	done := newData(2)
	require.True(t, l.ShouldHandle(done))
	barrier(t, l)
	src.chunk([]byte("gh"))
	done.wait(t)
	assert.Equal(t, "gh", done.data.String())
	l.DidCancel(done)
	barrier(t, l)
	assert.Equal(t, 1, done.finishes)
}

func TestLoader_CancelRacesWithData(t *testing.T) {
	for i := 0; i < 200; i++ {
		src := &fakeSource{}
		l := New(src, Options{Strict: true})

		req := newData(4)
		require.True(t, l.ShouldHandle(req))
		barrier(t, l)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.DidCancel(req)
		}()
		go func() {
			defer wg.Done()
			src.chunk([]byte("wxyz"))
		}()
		wg.Wait()
		barrier(t, l)

		req.mu.Lock()
		finishes := req.finishes
		req.mu.Unlock()
		assert.LessOrEqual(t, finishes, 1)
		if finishes == 0 {
			// cancellation won and the loader detached
			assert.Equal(t, 0, l.Pending())
		}
		l.Invalidate()
		req.mu.Lock()
		assert.LessOrEqual(t, req.finishes, 1)
		req.mu.Unlock()
	}
}

func TestLoader_FailureForceFinishesPending(t *testing.T) {
	src := &fakeSource{}
	l := New(src, Options{Strict: true})

	a, b := newData(100), newInfo()
	require.True(t, l.ShouldHandle(a))
	require.True(t, l.ShouldHandle(b))
	src.chunk([]byte("abc"))

	boom := errors.New("connection reset")
	src.fail(boom)
	a.wait(t)
	b.wait(t)
	<-l.Done()

	assert.ErrorIs(t, a.err, ErrInvalidated)
	assert.ErrorContains(t, a.err, "connection reset")
	assert.ErrorIs(t, b.err, ErrInvalidated)
	assert.Zero(t, a.data.Len())
	assert.Zero(t, l.Buffered())

	assert.False(t, l.ShouldHandle(newData(1)))
	src.chunk([]byte("late"))
	assert.Zero(t, l.Buffered())
}

func TestLoader_InvalidateFinishesPending(t *testing.T) {
	src := &fakeSource{}
	l := New(src, Options{Strict: true})

	req := newData(10)
	require.True(t, l.ShouldHandle(req))
	l.Invalidate()

	assert.True(t, req.finished())
	assert.NoError(t, req.err)
	assert.Equal(t, 1, req.finishes)
	assert.False(t, l.ShouldHandle(newInfo()))

	// second invalidate returns immediately
	l.Invalidate()
}

func TestLoader_DuplicateEnqueueIgnored(t *testing.T) {
	src := &fakeSource{}
	var counts []int
	var mu sync.Mutex
	l := New(src, Options{OnPendingChange: func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	}})
	defer l.Invalidate()

	req := newData(2)
	require.True(t, l.ShouldHandle(req))
	require.True(t, l.ShouldHandle(req))
	barrier(t, l)
	assert.Equal(t, 1, l.Pending())

	src.chunk([]byte("ab"))
	req.wait(t)
	barrier(t, l)
	assert.Equal(t, 1, req.finishes)

	mu.Lock()
	assert.Equal(t, 0, counts[len(counts)-1])
	mu.Unlock()
}

func TestLoader_DropsChunksUntilAttached(t *testing.T) {
	src := &fakeSource{}
	l := New(src, Options{Strict: true})
	defer l.Invalidate()

	src.chunk([]byte("stale audio"))
	assert.Zero(t, l.Buffered())

	req := newData(4)
	require.True(t, l.ShouldHandle(req))
	barrier(t, l)
	src.chunk([]byte("live"))
	req.wait(t)
	assert.Equal(t, "live", req.data.String())
}

func TestLoader_DetachDropsBufferedBytes(t *testing.T) {
	src := &fakeSource{}
	l := New(src, Options{Strict: true})
	defer l.Invalidate()

	req := newData(2)
	require.True(t, l.ShouldHandle(req))
	barrier(t, l)
	src.chunk([]byte("abcdef"))
	req.wait(t)
	barrier(t, l)
	assert.Equal(t, 4, l.Buffered())

	l.Detach()
	barrier(t, l)
	assert.Zero(t, l.Buffered())
	src.chunk([]byte("more"))
	assert.Zero(t, l.Buffered())
}

func TestLoader_DetachKeepsPendingRequests(t *testing.T) {
	src := &fakeSource{}
	l := New(src, Options{Strict: true})
	defer l.Invalidate()

	req := newData(4)
	require.True(t, l.ShouldHandle(req))
	l.Detach()
	barrier(t, l)

	src.chunk([]byte("wxyz"))
	req.wait(t)
	assert.Equal(t, "wxyz", req.data.String())
}

func TestLoader_BufferIsCapped(t *testing.T) {
	src := &fakeSource{}
	l := New(src, Options{Strict: true, MaxBuffered: 8})
	defer l.Invalidate()

	// a listener that stopped reading but never cancelled
	require.True(t, l.ShouldHandle(newData(100)))
	barrier(t, l)
	for i := 0; i < 50; i++ {
		src.chunk([]byte("abcd"))
		assert.LessOrEqual(t, l.Buffered(), 8)
	}
}

func TestLoader_NegativeLengthRejected(t *testing.T) {
	src := &fakeSource{}
	l := New(src, Options{Strict: true})
	defer l.Invalidate()

	req := newData(-1)
	require.True(t, l.ShouldHandle(req))
	req.wait(t)
	assert.ErrorIs(t, req.err, ErrInvalidLength)
	barrier(t, l)
	assert.Zero(t, l.Pending())
}
