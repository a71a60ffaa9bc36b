package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"anivault/internal/logging"
)

// Expiry phrases the provider embeds in HTML bodies instead of using HTTP
// status codes. Each phrase clears a different, non-overlapping subset of
// cached state, which is what bounds the retry loop.
const (
	phrasePageTokenExpired = "video fetch failed"
	phraseCredsExpired     = "download link failed"
	phraseStillProcessing  = "still processing"
)

var (
	scriptRefRe  = regexp.MustCompile(`<script[^>]+src="(/js/dl\.[a-z0-9.]+\.js\?v=([0-9]+))"`)
	envBlobRe    = regexp.MustCompile(`window\.__ENV\s*=\s*(\{[^;]*\})`)
	retryAtRe    = regexp.MustCompile(`retry-at=(\d+)`)
	downloadLnRe = regexp.MustCompile(`data-download="([^"]+)"`)
)

// credentialSet bundles everything needed to request a download link.
// Replaced as a whole under the client mutex; never field-by-field, so a
// reader can never observe a mix of stale and fresh tokens.
type credentialSet struct {
	SessionToken  string
	BearerValue   string
	DeriveKeyA    string
	DeriveKeyB    string
	ScriptVersion string
	Environment   string
}

// signature keys the short-lived page-token cache: same script version plus
// same environment means the token derivation is identical and the sandbox
// run can be skipped.
func (cs *credentialSet) signature() string {
	return cs.ScriptVersion + "|" + cs.Environment
}

// resolution states for the narrowing retry loop.
type credState int

const (
	stateNeedFullCreds credState = iota
	stateNeedPageToken
	stateReady
)

// Ref identifies one anime on the provider's side.
type Ref struct {
	ProviderID   string
	ProviderSlug string
}

// Client hides the provider's rotating obfuscation scheme behind a stable
// ResolveDownloadURL call. All credential state lives here, guarded by the
// client's own lock; the transfer engine never mutates it.
type Client struct {
	httpc          *http.Client
	baseURL        string
	sandboxTimeout time.Duration
	pageTokenTTL   time.Duration
	log            zerolog.Logger

	mu     chan struct{} // serializes the whole resolution path
	creds  *credentialSet
	tokens *expirable.LRU[string, string]
}

// Options configures a provider client.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	SandboxTimeout time.Duration
	PageTokenTTL   time.Duration
	TokenCacheSize int
}

// NewClient builds a provider client.
func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	if opts.SandboxTimeout <= 0 {
		opts.SandboxTimeout = time.Second
	}
	if opts.PageTokenTTL <= 0 {
		opts.PageTokenTTL = 10 * time.Minute
	}
	if opts.TokenCacheSize <= 0 {
		opts.TokenCacheSize = 32
	}
	c := &Client{
		httpc:          opts.HTTPClient,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		sandboxTimeout: opts.SandboxTimeout,
		pageTokenTTL:   opts.PageTokenTTL,
		log:            logging.Get("provider"),
		mu:             make(chan struct{}, 1),
		tokens:         expirable.NewLRU[string, string](opts.TokenCacheSize, nil, opts.PageTokenTTL),
	}
	return c
}

// lock acquires the client's serialized access path, honoring ctx.
func (c *Client) lock(ctx context.Context) error {
	select {
	case c.mu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) unlock() { <-c.mu }

// ResolveDownloadURL produces a fresh download URL for one episode. The
// provider's expiry phrases drive an explicit state machine: each
// invalidation strictly narrows what is cached, so the loop cannot bounce
// between the same two states forever.
//
// A structural failure (missing deobfuscation entry point, sandbox error,
// no decodable source) is logged once and then blocks until ctx is
// cancelled: a code-level incompatibility will not self-heal, and erroring
// back to the user would just produce a retry storm.
func (c *Client) ResolveDownloadURL(ctx context.Context, ref Ref, episode int) (string, error) {
	if err := c.lock(ctx); err != nil {
		return "", err
	}
	defer c.unlock()

	state := stateReady
	if c.creds == nil {
		state = stateNeedFullCreds
	} else if _, ok := c.tokens.Get(c.creds.signature()); !ok {
		state = stateNeedPageToken
	}

	for {
		switch state {
		case stateNeedFullCreds:
			if err := c.deriveCredentials(ctx, ref); err != nil {
				if IsScriptError(err) {
					return "", c.blockPending(ctx, err)
				}
				return "", err
			}
			state = stateNeedPageToken

		case stateNeedPageToken:
			if err := c.requestPageToken(ctx); err != nil {
				var wait *stillProcessingError
				switch {
				case errors.Is(err, errCredentialsExpired):
					c.creds = nil
					state = stateNeedFullCreds
				case errors.As(err, &wait):
					if serr := sleepUntil(ctx, wait.resumeAt); serr != nil {
						return "", serr
					}
					// Same state; ask for the token again.
				case errors.Is(err, errPageTokenExpired):
					// This endpoint is where page tokens come from, so
					// there is no narrower cache entry left to drop; a
					// retry with identical inputs cannot succeed.
					return "", fmt.Errorf("request page token: %w", err)
				case IsScriptError(err):
					return "", c.blockPending(ctx, err)
				default:
					return "", err
				}
				continue
			}
			state = stateReady

		case stateReady:
			url, err := c.requestDownloadLink(ctx, ref, episode)
			switch {
			case err == nil:
				return url, nil
			case errors.Is(err, errPageTokenExpired):
				// Only the page-scoped token is stale.
				c.tokens.Remove(c.creds.signature())
				state = stateNeedPageToken
			case errors.Is(err, errCredentialsExpired):
				c.tokens.Purge()
				c.creds = nil
				state = stateNeedFullCreds
			default:
				var wait *stillProcessingError
				if errors.As(err, &wait) {
					if err := sleepUntil(ctx, wait.resumeAt); err != nil {
						return "", err
					}
					continue
				}
				if IsScriptError(err) {
					return "", c.blockPending(ctx, err)
				}
				return "", err
			}
		}
	}
}

// blockPending logs a structural failure with full context and leaves the
// request permanently pending.
func (c *Client) blockPending(ctx context.Context, err error) error {
	c.log.Error().Err(err).Msg("provider incompatibility; download capability is down until a code update")
	<-ctx.Done()
	return ctx.Err()
}

// deriveCredentials runs the fixed sequence: entry page, obfuscated script,
// sandboxed execution, environment script. The resulting set replaces the
// cached one in a single assignment.
func (c *Client) deriveCredentials(ctx context.Context, ref Ref) error {
	page, err := c.fetchText(ctx, fmt.Sprintf("%s/anime/%s", c.baseURL, ref.ProviderSlug))
	if err != nil {
		return fmt.Errorf("fetch entry page: %w", err)
	}
	m := scriptRefRe.FindStringSubmatch(page)
	if m == nil {
		return &ScriptError{Op: "locate deobfuscation script", Err: errors.New("no script reference in entry page")}
	}
	scriptPath, scriptVersion := m[1], m[2]

	script, err := c.fetchText(ctx, c.baseURL+scriptPath)
	if err != nil {
		return fmt.Errorf("fetch deobfuscation script: %w", err)
	}

	bearer, err := runSandbox(script, c.sandboxTimeout)
	if err != nil {
		return err
	}

	envPage, err := c.fetchText(ctx, c.baseURL+"/js/env.js")
	if err != nil {
		return fmt.Errorf("fetch environment script: %w", err)
	}
	em := envBlobRe.FindStringSubmatch(envPage)
	if em == nil {
		return &ScriptError{Op: "parse environment script", Err: errors.New("no __ENV blob")}
	}
	var env struct {
		Zone  string `json:"zone"`
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal([]byte(em[1]), &env); err != nil {
		return &ScriptError{Op: "parse environment script", Err: err}
	}

	c.creds = &credentialSet{
		SessionToken:  deriveToken("session", bearer, env.Nonce),
		BearerValue:   bearer,
		DeriveKeyA:    deriveToken("a", bearer, env.Zone),
		DeriveKeyB:    deriveToken("b", env.Nonce, env.Zone),
		ScriptVersion: scriptVersion,
		Environment:   env.Zone + ":" + env.Nonce,
	}
	c.log.Debug().
		Str("script_version", scriptVersion).
		Str("environment", env.Zone).
		Msg("derived fresh credential set")
	return nil
}

// requestPageToken exchanges the bearer value and environment constants for
// a page-scoped short-lived token and caches it by signature.
func (c *Client) requestPageToken(ctx context.Context) error {
	cs := c.creds
	url := fmt.Sprintf("%s/auth/token?key_a=%s&key_b=%s", c.baseURL, cs.DeriveKeyA, cs.DeriveKeyB)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", cs.BearerValue)
	req.Header.Set("X-Session", cs.SessionToken)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request page token: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read page token response: %w", err)
	}
	if phrase := classifyExpiry(string(body)); phrase != nil {
		return phrase
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Token == "" {
		return &ScriptError{Op: "parse page token", Err: fmt.Errorf("undecodable token response: %v", err)}
	}
	c.tokens.Add(cs.signature(), out.Token)
	return nil
}

// requestDownloadLink asks for the episode's download URL using the cached
// page token.
func (c *Client) requestDownloadLink(ctx context.Context, ref Ref, episode int) (string, error) {
	cs := c.creds
	token, ok := c.tokens.Get(cs.signature())
	if !ok {
		return "", errPageTokenExpired
	}
	url := fmt.Sprintf("%s/download/%s/%d?token=%s", c.baseURL, ref.ProviderID, episode, token)
	body, err := c.fetchText(ctx, url)
	if err != nil {
		return "", fmt.Errorf("request download link: %w", err)
	}
	if phrase := classifyExpiry(body); phrase != nil {
		return "", phrase
	}
	if m := downloadLnRe.FindStringSubmatch(body); m != nil {
		return m[1], nil
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(body), &out); err == nil && out.URL != "" {
		return out.URL, nil
	}
	return "", &ScriptError{Op: "parse download link", Err: errors.New("no decodable video source in provider response")}
}

// classifyExpiry maps the provider's HTML phrases onto the invalidation
// errors. Returns nil when the body carries none of them.
func classifyExpiry(body string) error {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, phrasePageTokenExpired):
		return errPageTokenExpired
	case strings.Contains(lower, phraseCredsExpired):
		return errCredentialsExpired
	case strings.Contains(lower, phraseStillProcessing):
		resumeAt := time.Now().Add(5 * time.Second)
		if m := retryAtRe.FindStringSubmatch(lower); m != nil {
			if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				resumeAt = time.Unix(secs, 0)
			}
		}
		return &stillProcessingError{resumeAt: resumeAt}
	}
	return nil
}

// stillProcessingError carries the provider's resume timestamp.
type stillProcessingError struct {
	resumeAt time.Time
}

func (e *stillProcessingError) Error() string {
	return fmt.Sprintf("provider still processing; resume at %s", e.resumeAt.Format(time.RFC3339))
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) fetchText(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d for %s", resp.StatusCode, logging.RedactURL(url))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func deriveToken(label, a, b string) string {
	sum := sha256.Sum256([]byte(label + ":" + a + ":" + b))
	return hex.EncodeToString(sum[:16])
}

// CachedPageToken exposes whether a page token is currently cached; tests
// use it to assert the narrowing property of the invalidation protocol.
func (c *Client) CachedPageToken() bool {
	if c.creds == nil {
		return false
	}
	_, ok := c.tokens.Get(c.creds.signature())
	return ok
}

// CachedCredentials reports whether a full credential set is cached.
func (c *Client) CachedCredentials() bool {
	return c.creds != nil
}
