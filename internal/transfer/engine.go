package transfer

import (
	"context"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"anivault/internal/logging"
	"anivault/internal/progress"
	"anivault/internal/provider"
	"anivault/internal/store"
)

// Resolver produces a fresh download URL for one episode; the credential
// pipeline implements it.
type Resolver interface {
	ResolveDownloadURL(ctx context.Context, ref provider.Ref, episode int) (string, error)
}

// Remuxer finalizes a fully received temp file into its playable form and
// can probe whether a partial prefix is already progressively playable.
type Remuxer interface {
	Finalize(ctx context.Context, id, tmpPath, finalPath string) error
	PlayablePrefix(path string) bool
}

// Receipt is the immediate answer to a download request. An empty Size
// means the request was accepted but is queued behind the concurrency
// limit; a non-empty Size is the human-readable total once known.
type Receipt struct {
	Size string `json:"size"`
}

// Options wires an Engine.
type Options struct {
	MediaDir   string
	Resolver   Resolver
	Hub        *progress.Hub
	Ledger     *progress.SizeLedger
	Remuxer    Remuxer
	OnComplete func()
	HTTPClient *http.Client

	ParallelDownloadLimit int
	ChunkSize             int
	SpeedWindow           int
	SpeedInterval         time.Duration
	ReadTimeout           time.Duration
	BackoffCap            time.Duration
	MetadataReleaseBytes  int64
	BandwidthLimit        int64 // bytes/sec, 0 = unlimited
}

// Engine moves episode bytes from resolved URLs into the media directory,
// resumably, gated by two bounded queues: one serializing credential
// resolution, one capping parallel byte transfers.
type Engine struct {
	mediaDir   string
	resolver   Resolver
	hub        *progress.Hub
	ledger     *progress.SizeLedger
	remux      Remuxer
	onComplete func()
	httpc      *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger

	chunkSize        int
	speedWindow      int
	speedInterval    time.Duration
	readTimeout      time.Duration
	backoffCap       time.Duration
	metaReleaseBytes int64

	metaSlots     chan struct{}
	transferSlots chan struct{}

	mu       sync.Mutex
	sessions map[string]*session

	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewEngine builds an Engine from Options, clamping unset tunables.
func NewEngine(opts Options) *Engine {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.ParallelDownloadLimit < 1 {
		opts.ParallelDownloadLimit = 1
	}
	if opts.ChunkSize < 4096 {
		opts.ChunkSize = 256 * 1024
	}
	if opts.SpeedWindow < 2 {
		opts.SpeedWindow = 16
	}
	if opts.SpeedInterval <= 0 {
		opts.SpeedInterval = 500 * time.Millisecond
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 8 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}
	if opts.MetadataReleaseBytes <= 0 {
		opts.MetadataReleaseBytes = 10 << 20
	}
	var limiter *rate.Limiter
	if opts.BandwidthLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.BandwidthLimit), 64*1024)
	}
	return &Engine{
		mediaDir:         opts.MediaDir,
		resolver:         opts.Resolver,
		hub:              opts.Hub,
		ledger:           opts.Ledger,
		remux:            opts.Remuxer,
		onComplete:       opts.OnComplete,
		httpc:            opts.HTTPClient,
		limiter:          limiter,
		log:              logging.Get("transfer"),
		chunkSize:        opts.ChunkSize,
		speedWindow:      opts.SpeedWindow,
		speedInterval:    opts.SpeedInterval,
		readTimeout:      opts.ReadTimeout,
		backoffCap:       opts.BackoffCap,
		metaReleaseBytes: opts.MetadataReleaseBytes,
		metaSlots:        make(chan struct{}, opts.ParallelDownloadLimit),
		transferSlots:    make(chan struct{}, opts.ParallelDownloadLimit),
		sessions:         make(map[string]*session),
	}
}

// InitiateDownload requests one episode. It returns ErrAlreadyDownloaded if
// the final file exists, a queued Receipt (empty size) when the transfer
// queue is saturated, and otherwise blocks until the total length is known
// and returns it as a human-readable string. A second request for an
// identifier that is already in flight joins the existing session instead
// of opening a second writer on the same temp file.
func (e *Engine) InitiateDownload(ctx context.Context, a *store.Anime, ref provider.Ref, episode int) (*Receipt, error) {
	if e.closing.Load() {
		return nil, ErrShuttingDown
	}
	id := Identifier(a, episode)
	dir, tmp, final := episodePaths(e.mediaDir, a, episode)

	if _, err := os.Stat(final); err == nil {
		return nil, ErrAlreadyDownloaded
	}

	e.mu.Lock()
	if existing, ok := e.sessions[id]; ok {
		e.mu.Unlock()
		return existing.receipt(ctx)
	}
	abort := e.hub.RegisterAbort(id)
	if abort == nil {
		// Abort handle lingering from a session that is tearing down;
		// answer queued and let the caller retry via progress records.
		e.mu.Unlock()
		return &Receipt{Size: ""}, nil
	}
	s := newSession(id, ref, episode, dir, tmp, final, abort)
	e.sessions[id] = s
	e.mu.Unlock()

	select {
	case e.transferSlots <- struct{}{}:
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			s.run(e, true)
		}()
		return s.receipt(ctx)
	default:
		// Queue saturated: accept, answer immediately, proceed async.
		s.queued.Store(true)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			s.run(e, false)
		}()
		return &Receipt{Size: ""}, nil
	}
}

// ResolveStreamingURL resolves the same URL a download would use, without
// persisting anything; used for direct playback.
func (e *Engine) ResolveStreamingURL(ctx context.Context, ref provider.Ref, episode int) (string, error) {
	return e.resolver.ResolveDownloadURL(ctx, ref, episode)
}

// CancelOrPause signals the active session for an identifier. mode "pause"
// keeps the partial file for a later resume; anything else is a full
// cancel. Returns false if no session is active.
func (e *Engine) CancelOrPause(id, mode string) bool {
	handle := e.hub.AbortHandle(id)
	if handle == nil {
		return false
	}
	reason := ""
	if mode == progress.ReasonPause {
		reason = progress.ReasonPause
	}
	handle.Signal(reason)
	return true
}

// InFlightSize reports the best-known total for an active identifier; the
// content server uses it while the filesystem cannot answer.
func (e *Engine) InFlightSize(id string) (int64, bool) {
	return e.ledger.Get(id)
}

// Active reports whether an identifier has a running session.
func (e *Engine) Active(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[id]
	return ok
}

// Shutdown pauses all in-flight sessions (keeping their partial files) and
// waits for them to unwind.
func (e *Engine) Shutdown() {
	if e.closing.Swap(true) {
		return
	}
	e.mu.Lock()
	for _, s := range e.sessions {
		s.abort.Signal(progress.ReasonPause)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) removeSession(id string) {
	e.mu.Lock()
	delete(e.sessions, id)
	e.mu.Unlock()
	e.hub.ReleaseAbort(id)
	e.ledger.Delete(id)
}
