package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"anivault/internal/progress"
	"anivault/internal/provider"
)

// errAborted is the internal sentinel for "the abort handle fired"; the
// reason on the handle decides between the cancel and pause cleanup paths.
var errAborted = errors.New("aborted")

// errShortBody marks a connection that ended before the expected total; the
// loop reconnects from the new offset.
var errShortBody = errors.New("body ended before expected total")

// session is one attempt at moving bytes for one download identifier. At
// most one exists per identifier at a time; the engine's sessions map
// enforces that.
type session struct {
	id      string
	ref     provider.Ref
	episode int

	dir   string
	tmp   string
	final string

	abort *progress.Abort

	queued   atomic.Bool
	total    atomic.Int64 // -1 until the provider answers
	sizeOnce sync.Once
	sizeKnow chan struct{}
	done     chan struct{}
}

func newSession(id string, ref provider.Ref, episode int, dir, tmp, final string, abort *progress.Abort) *session {
	s := &session{
		id:       id,
		ref:      ref,
		episode:  episode,
		dir:      dir,
		tmp:      tmp,
		final:    final,
		abort:    abort,
		sizeKnow: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.total.Store(-1)
	return s
}

// receipt blocks until the session knows its total length, then renders it
// human-readable. A queued session answers immediately with an empty size;
// a session that ends without ever learning the size does too.
func (s *session) receipt(ctx context.Context) (*Receipt, error) {
	if s.queued.Load() {
		return &Receipt{Size: ""}, nil
	}
	select {
	case <-s.sizeKnow:
		return &Receipt{Size: humanize.Bytes(uint64(s.total.Load()))}, nil
	case <-s.done:
		return &Receipt{Size: ""}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *session) setTotal(e *Engine, total int64) {
	s.sizeOnce.Do(func() {
		s.total.Store(total)
		e.ledger.Set(s.id, total)
		close(s.sizeKnow)
	})
}

// run drives the session to a terminal state and tears down shared state.
func (s *session) run(e *Engine, haveSlot bool) {
	defer close(s.done)
	defer e.removeSession(s.id)

	if !haveSlot {
		select {
		case e.transferSlots <- struct{}{}:
			s.queued.Store(false)
		case <-s.abort.Done():
			s.finishAborted(e)
			return
		}
	}
	defer func() { <-e.transferSlots }()

	err := s.transfer(e)
	switch {
	case err == nil:
		e.hub.Publish(s.id, progress.Terminal("Downloaded"))
		if e.onComplete != nil {
			e.onComplete()
		}
	case errors.Is(err, errAborted):
		s.finishAborted(e)
	default:
		e.log.Error().Err(err).Str("id", s.id).Msg("transfer failed")
		e.hub.Publish(s.id, progress.Terminal("Failed: "+err.Error()))
	}
}

// finishAborted applies the cancel/pause rule: a bare cancel removes both
// files; a pause keeps the temp file so a later request resumes from its
// length.
func (s *session) finishAborted(e *Engine) {
	if s.abort.Reason() == progress.ReasonPause {
		e.hub.Publish(s.id, progress.Terminal("Paused"))
		return
	}
	_ = os.Remove(s.tmp)
	_ = os.Remove(s.final)
	e.hub.Publish(s.id, progress.Terminal("Cancelled"))
}

// transfer performs metadata resolution and the byte-copy loop.
func (s *session) transfer(e *Engine) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.abort.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create anime directory: %w", err)
	}

	// Metadata gate: bounds concurrent credential resolutions and holds a
	// slot until this transfer is nearly done, so a queued download's
	// resolution does not race an almost-finished one for bandwidth.
	select {
	case e.metaSlots <- struct{}{}:
	case <-ctx.Done():
		return errAborted
	}
	var metaOnce sync.Once
	releaseMeta := func() { metaOnce.Do(func() { <-e.metaSlots }) }
	defer releaseMeta()

	url, err := e.resolver.ResolveDownloadURL(ctx, s.ref, s.episode)
	if err != nil {
		if ctx.Err() != nil {
			return errAborted
		}
		return fmt.Errorf("resolve download url: %w", err)
	}

	received := fileSize(s.tmp)
	meter := newSpeedMeter(e.speedWindow, e.speedInterval)
	attempt := 0

	for {
		if ctx.Err() != nil {
			return errAborted
		}
		finished, err := s.fetchOnce(ctx, e, url, &received, meter, releaseMeta)
		if finished {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return errAborted
			}
			attempt++
			if offline(err) {
				e.hub.Publish(s.id, progress.Info("Connection appears to be offline"))
				if werr := s.backoffWait(ctx, e, e.backoffCap); werr != nil {
					return werr
				}
				continue
			}
			e.log.Debug().Err(err).Str("id", s.id).Int("attempt", attempt).Msg("transient transfer error")
			wait := time.Duration(attempt) * 2 * time.Second
			if attempt > 1 || wait > e.backoffCap {
				wait = e.backoffCap
			}
			if werr := s.backoffWait(ctx, e, wait); werr != nil {
				return werr
			}
			continue
		}
		attempt = 0
	}

	releaseMeta()
	if err := e.remux.Finalize(ctx, s.id, s.tmp, s.final); err != nil {
		if ctx.Err() != nil {
			return errAborted
		}
		return fmt.Errorf("finalize: %w", err)
	}
	return nil
}

// fetchOnce issues one ranged GET from the current offset and copies until
// the body ends, a read times out, or the session aborts. finished is true
// once the file is fully received.
func (s *session) fetchOnce(ctx context.Context, e *Engine, url string, received *int64, meter *speedMeter, releaseMeta func()) (finished bool, err error) {
	reqCtx, reqCancel := context.WithCancel(ctx)
	defer reqCancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	if *received > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", *received))
	}
	resp, err := e.httpc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// The temp file already holds the whole payload.
		s.setTotal(e, *received)
		return true, nil
	case *received > 0 && resp.StatusCode != http.StatusPartialContent:
		// Server ignored the range; restart from scratch.
		e.log.Warn().Str("id", s.id).Int("status", resp.StatusCode).Msg("server does not support resume; restarting")
		if err := os.Truncate(s.tmp, 0); err != nil {
			return false, err
		}
		*received = 0
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent:
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if total, ok := totalFromResponse(resp, *received); ok {
		s.setTotal(e, total)
	}

	if resp.Body == http.NoBody {
		// No stream attached: a clean terminal condition, not an error.
		s.setTotal(e, *received)
		return true, nil
	}

	out, err := os.OpenFile(s.tmp, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("open temp file: %w", err)
	}
	defer out.Close()

	body := &timeoutReader{r: resp.Body, timeout: e.readTimeout, cancel: reqCancel}
	buf := make([]byte, e.chunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return false, fmt.Errorf("write temp file: %w", werr)
			}
			*received += int64(n)
			if e.limiter != nil {
				_ = e.limiter.WaitN(ctx, n)
			}
			if meter.Add(int64(n), time.Now()) {
				s.publishProgress(e, meter, *received)
				s.maybeReleaseMeta(e, meter, *received, releaseMeta)
			}
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return false, errAborted
			}
			total := s.total.Load()
			if errors.Is(readErr, io.EOF) {
				if total < 0 {
					// Length was never known; the stream's end defines it.
					s.setTotal(e, *received)
					return true, nil
				}
				if *received >= total {
					return true, nil
				}
				return false, errShortBody
			}
			if body.timedOut() {
				return false, fmt.Errorf("read timeout after %s: %w", e.readTimeout, readErr)
			}
			return false, readErr
		}
		if total := s.total.Load(); total >= 0 && *received >= total {
			return true, nil
		}
	}
}

func (s *session) publishProgress(e *Engine, meter *speedMeter, received int64) {
	var totalPtr *int64
	if t := s.total.Load(); t >= 0 {
		v := t
		totalPtr = &v
	}
	e.hub.Publish(s.id, progress.Downloading(meter.Speed(), received, totalPtr))
}

// maybeReleaseMeta opens the metadata gate once the remaining bytes drop
// under the configured threshold, or earlier when the ETA is under ~2s and
// the already-written prefix is playable, so the next queued download can
// start resolving sooner.
func (s *session) maybeReleaseMeta(e *Engine, meter *speedMeter, received int64, releaseMeta func()) {
	total := s.total.Load()
	if total < 0 {
		return
	}
	remaining := total - received
	if remaining < e.metaReleaseBytes {
		releaseMeta()
		return
	}
	if speed := meter.Speed(); speed > 0 && remaining/speed < 2 && e.remux.PlayablePrefix(s.tmp) {
		releaseMeta()
	}
}

// backoffWait publishes a one-line countdown every second so the UI can
// show "retrying in Ns" while the session sits out a transient failure.
func (s *session) backoffWait(ctx context.Context, e *Engine, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	secs := int(wait / time.Second)
	if secs < 1 {
		secs = 1
	}
	for i := secs; i > 0; i-- {
		e.hub.Publish(s.id, progress.Info(fmt.Sprintf("Retrying in %ds", i)))
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return errAborted
		}
	}
	return nil
}

// totalFromResponse extracts the full payload length from Content-Range or
// Content-Length, accounting for the resume offset.
func totalFromResponse(resp *http.Response, received int64) (int64, bool) {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		// Content-Range: bytes a-b/N
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			if n, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil && n > 0 {
				return n, true
			}
		}
	}
	if resp.ContentLength > 0 {
		return received + resp.ContentLength, true
	}
	return 0, false
}

// offline distinguishes a true connectivity failure from a flaky read so
// the user gets a specific message instead of an endless retry countdown.
func offline(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// timeoutReader cancels the in-flight request when a single Read stalls
// longer than the configured timeout, turning a hung connection into a
// retryable error instead of a stuck session.
type timeoutReader struct {
	r       io.Reader
	timeout time.Duration
	cancel  context.CancelFunc
	fired   atomic.Bool
}

func (t *timeoutReader) Read(p []byte) (int, error) {
	timer := time.AfterFunc(t.timeout, func() {
		t.fired.Store(true)
		t.cancel()
	})
	defer timer.Stop()
	return t.r.Read(p)
}

func (t *timeoutReader) timedOut() bool {
	return t.fired.Load()
}
