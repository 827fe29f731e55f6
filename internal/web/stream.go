package web

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/christian-lee/radiotap/internal/loader"
)

// playbackRequest is one load request issued by the stream bridge.
type playbackRequest struct {
	kind   loader.Kind
	offset int64
	length int

	mu   sync.Mutex
	info loader.ContentInfo
	data []byte
	err  error
	done chan struct{}
}

func newPlaybackRequest(kind loader.Kind, offset int64, length int) *playbackRequest {
	return &playbackRequest{kind: kind, offset: offset, length: length, done: make(chan struct{})}
}

func (p *playbackRequest) Kind() loader.Kind { return p.kind }
func (p *playbackRequest) Offset() int64     { return p.offset }
func (p *playbackRequest) Length() int       { return p.length }

func (p *playbackRequest) FillInfo(info loader.ContentInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info = info
}

func (p *playbackRequest) Respond(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = data
}

func (p *playbackRequest) Finish() { close(p.done) }

func (p *playbackRequest) FinishWithError(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// await blocks until the loader finished p or the client went away, in
// which case the request is cancelled. It reports whether p finished.
func (p *playbackRequest) await(ld *loader.Loader, r *http.Request) bool {
	select {
	case <-p.done:
		return true
	case <-r.Context().Done():
		ld.DidCancel(p)
		return false
	}
}

// handleStream plays the active session to one HTTP client, driving the
// loader the way a media player would: one info request, then sequential
// data requests.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ld, err := s.opts.Sessions.Loader()
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if !s.listening.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "stream already has a listener")
		return
	}
	defer s.listening.Store(false)
	defer ld.Detach()

	info := newPlaybackRequest(loader.KindInfo, 0, 0)
	if !ld.ShouldHandle(info) {
		writeError(w, http.StatusServiceUnavailable, "session is shutting down")
		return
	}
	if !info.await(ld, r) {
		return
	}
	if info.err != nil {
		writeError(w, http.StatusBadGateway, info.err.Error())
		return
	}

	mimeType := info.info.MIMEType
	if mimeType == "" {
		mimeType = "audio/mpeg"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	slog.Info("listener attached", "ip", r.RemoteAddr, "mime", mimeType)

	var offset int64
	for {
		req := newPlaybackRequest(loader.KindData, offset, s.opts.ReadSize)
		if !ld.ShouldHandle(req) || !req.await(ld, r) {
			break
		}
		req.mu.Lock()
		data, err := req.data, req.err
		req.mu.Unlock()
		if err != nil || len(data) == 0 {
			slog.Info("stream ended for listener", "ip", r.RemoteAddr, "err", err)
			break
		}
		if _, err := w.Write(data); err != nil {
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
		offset += int64(len(data))
	}
	slog.Info("listener detached", "ip", r.RemoteAddr, "bytes", offset)
}
