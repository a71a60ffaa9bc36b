package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"anivault/internal/progress"
	"anivault/internal/provider"
	"anivault/internal/store"
	"anivault/internal/transfer"
)

// fakeCatalog answers lookups from an in-memory map and counts calls so
// cache behavior is observable.
type fakeCatalog struct {
	anime   map[int64]*store.Anime
	meta    map[int64]*store.ProviderMetadata
	lookups int
}

func (c *fakeCatalog) FindAnimeByID(ctx context.Context, id int64) (*store.Anime, error) {
	c.lookups++
	a, ok := c.anime[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (c *fakeCatalog) FindProviderMetadata(ctx context.Context, animeID int64) (*store.ProviderMetadata, error) {
	m, ok := c.meta[animeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func (c *fakeCatalog) ListAnime(ctx context.Context) ([]*store.Anime, error) {
	var out []*store.Anime
	for _, a := range c.anime {
		out = append(out, a)
	}
	return out, nil
}

// fakeEngine scripts InitiateDownload answers per call.
type fakeEngine struct {
	receipts []*transfer.Receipt
	errs     []error
	calls    int

	cancelOK bool
	sizes    map[string]int64
	active   map[string]bool
}

func (e *fakeEngine) InitiateDownload(ctx context.Context, a *store.Anime, ref provider.Ref, episode int) (*transfer.Receipt, error) {
	i := e.calls
	e.calls++
	if i >= len(e.receipts) {
		return &transfer.Receipt{}, nil
	}
	return e.receipts[i], e.errs[i]
}

func (e *fakeEngine) CancelOrPause(id, mode string) bool { return e.cancelOK }

func (e *fakeEngine) InFlightSize(id string) (int64, bool) {
	n, ok := e.sizes[id]
	return n, ok
}

func (e *fakeEngine) Active(id string) bool { return e.active[id] }

type testEnv struct {
	catalog  *fakeCatalog
	engine   *fakeEngine
	hub      *progress.Hub
	mediaDir string
	srv      *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		catalog: &fakeCatalog{
			anime: map[int64]*store.Anime{
				1: {ID: 1, Title: "Monster", TotalEpisodes: 74},
			},
			meta: map[int64]*store.ProviderMetadata{
				1: {AnimeID: 1, ProviderID: "p-1", ProviderSlug: "monster"},
			},
		},
		engine:   &fakeEngine{sizes: map[string]int64{}, active: map[string]bool{}},
		hub:      progress.NewHub(),
		mediaDir: t.TempDir(),
	}
	h := New(Options{
		Engine:   env.engine,
		Catalog:  env.catalog,
		Hub:      env.hub,
		MediaDir: env.mediaDir,
	})
	env.srv = httptest.NewServer(h)
	t.Cleanup(env.srv.Close)
	return env
}

func (env *testEnv) writeEpisode(t *testing.T, a *store.Anime, episode int, name string, data []byte) string {
	t.Helper()
	dir := filepath.Join(env.mediaDir, transfer.AnimeDirName(a.Title, a.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestDownload_ReceiptMapping(t *testing.T) {
	env := newTestEnv(t)
	env.engine.receipts = []*transfer.Receipt{
		{Size: "350 MB"},
		{Size: ""},
		nil,
		nil,
	}
	env.engine.errs = []error{
		nil,
		nil,
		transfer.ErrAlreadyDownloaded,
		transfer.ErrShuttingDown,
	}
	req := map[string]any{"anime_id": 1, "episode": 3}

	resp := postJSON(t, env.srv.URL+"/api/download", req)
	body := decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["size"] != "350 MB" {
		t.Errorf("started: code=%d body=%v", resp.StatusCode, body)
	}

	resp = postJSON(t, env.srv.URL+"/api/download", req)
	body = decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["size"] != "" || body["message"] != "queued" {
		t.Errorf("queued: code=%d body=%v", resp.StatusCode, body)
	}

	resp = postJSON(t, env.srv.URL+"/api/download", req)
	body = decodeBody(t, resp)
	if resp.StatusCode != http.StatusOK || body["size"] != nil || body["message"] != "already_downloaded" {
		t.Errorf("already downloaded: code=%d body=%v", resp.StatusCode, body)
	}

	resp = postJSON(t, env.srv.URL+"/api/download", req)
	body = decodeBody(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable || body["message"] != "shutting_down" {
		t.Errorf("shutting down: code=%d body=%v", resp.StatusCode, body)
	}
}

func TestDownload_UnknownAnime(t *testing.T) {
	env := newTestEnv(t)
	resp := postJSON(t, env.srv.URL+"/api/download", map[string]any{"anime_id": 99, "episode": 1})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown catalog id, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDownload_RejectsBadRequest(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []map[string]any{
		{"anime_id": 0, "episode": 1},
		{"anime_id": 1, "episode": 0},
		{},
	} {
		resp := postJSON(t, env.srv.URL+"/api/download", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %v: expected 400, got %d", body, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	env.engine.cancelOK = true
	resp := postJSON(t, env.srv.URL+"/api/cancel", map[string]any{"identifier": "Monster Episode 3", "mode": "pause"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	env.engine.cancelOK = false
	resp = postJSON(t, env.srv.URL+"/api/cancel", map[string]any{"identifier": "gone"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for inactive identifier, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStatus_ReflectsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.hub.Publish("Monster Episode 3", progress.Optimizing(42))

	resp, err := http.Get(env.srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	downloads, ok := body["downloads"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := downloads["Monster Episode 3"]; !ok {
		t.Errorf("snapshot missing published record: %v", downloads)
	}
}

func TestVideo_ServesFinishedFile(t *testing.T) {
	env := newTestEnv(t)
	a := env.catalog.anime[1]
	data := []byte("finished episode bytes")
	env.writeEpisode(t, a, 3, transfer.EpisodeFileName(3), data)

	resp, err := http.Get(env.srv.URL + "/videos/1/3.mp4")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Error("served bytes differ from file")
	}
}

func TestVideo_RangePastEndIs416WithTotal(t *testing.T) {
	env := newTestEnv(t)
	a := env.catalog.anime[1]
	env.writeEpisode(t, a, 3, transfer.EpisodeFileName(3), []byte("0123456789"))

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/videos/1/3.mp4", nil)
	req.Header.Set("Range", "bytes=100-")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("expected 416, got %d", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes */10" {
		t.Errorf("expected Content-Range \"bytes */10\", got %q", cr)
	}
}

func TestVideo_PartialFileUsesLedgerTotal(t *testing.T) {
	env := newTestEnv(t)
	a := env.catalog.anime[1]
	written := []byte("first half")
	env.writeEpisode(t, a, 3, transfer.PartialFileName(3), written)

	id := transfer.Identifier(a, 3)
	env.engine.sizes[id] = int64(len(written)) // everything promised is on disk

	resp, err := http.Get(env.srv.URL + "/videos/1/3.mp4")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Download-In-Progress") != "1" {
		t.Error("partial responses must carry the in-progress marker")
	}
	if cl := resp.ContentLength; cl != int64(len(written)) {
		t.Errorf("expected advertised length %d, got %d", len(written), cl)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), written) {
		t.Error("partial body differs from written prefix")
	}
}

func TestVideo_PartialRangeResumesMidFile(t *testing.T) {
	env := newTestEnv(t)
	a := env.catalog.anime[1]
	written := []byte("0123456789")
	env.writeEpisode(t, a, 3, transfer.PartialFileName(3), written)
	env.engine.sizes[transfer.Identifier(a, 3)] = 10

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/videos/1/3.mp4", nil)
	req.Header.Set("Range", "bytes=4-")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 4-9/10" {
		t.Errorf("unexpected Content-Range %q", cr)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "456789" {
		t.Errorf("expected tail \"456789\", got %q", buf.String())
	}
}

func TestVideo_PartialWithoutLedgerTotalIs404(t *testing.T) {
	env := newTestEnv(t)
	a := env.catalog.anime[1]
	env.writeEpisode(t, a, 3, transfer.PartialFileName(3), []byte("some bytes"))

	resp, err := http.Get(env.srv.URL + "/videos/1/3.mp4")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 when the expected total is unknown, got %d", resp.StatusCode)
	}
}

func TestVideo_StaleCacheRetriesResolutionOnce(t *testing.T) {
	env := newTestEnv(t)
	a := env.catalog.anime[1]
	data := []byte("episode bytes")
	env.writeEpisode(t, a, 3, transfer.EpisodeFileName(3), data)

	// Warm the cache with a stale title pointing at a directory that does
	// not exist, then fix the catalog row.
	env.catalog.anime[1] = &store.Anime{ID: 1, Title: "Monster (old title)", TotalEpisodes: 74}
	resp, err := http.Get(env.srv.URL + "/videos/1/3.mp4")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stale directory should miss, got %d", resp.StatusCode)
	}

	env.catalog.anime[1] = a
	lookupsBefore := env.catalog.lookups
	resp, err = http.Get(env.srv.URL + "/videos/1/3.mp4")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after catalog fix, got %d", resp.StatusCode)
	}
	// The cached stale row forces exactly one invalidate-and-retry lookup.
	if got := env.catalog.lookups - lookupsBefore; got != 1 {
		t.Errorf("expected exactly 1 extra catalog lookup, got %d", got)
	}
}

func TestVideo_BadPaths(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{
		"/videos/1/3.mkv",
		"/videos/abc/3.mp4",
		"/videos/1/abc.mp4",
		"/videos/1",
		"/videos/1/2/3.mp4",
	} {
		resp, err := http.Get(env.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		header     string
		size       int64
		start, end int64
		wantErr    bool
	}{
		{"bytes=0-", 10, 0, 9, false},
		{"bytes=4-", 10, 4, 9, false},
		{"bytes=4-6", 10, 4, 6, false},
		{"bytes=4-100", 10, 4, 9, false},
		{"bytes=-3", 10, 7, 9, false},
		{"bytes=10-", 10, 0, 0, true},
		{"bytes=abc-", 10, 0, 0, true},
		{"bytes=5-2", 10, 0, 0, true},
		{"bytes=0-2,5-7", 10, 0, 0, true},
		{"items=0-", 10, 0, 0, true},
		{"bytes=-0", 10, 0, 0, true},
	}
	for _, c := range cases {
		start, end, err := parseRange(c.header, c.size)
		if (err != nil) != c.wantErr {
			t.Errorf("parseRange(%q, %d) err=%v, wantErr=%v", c.header, c.size, err, c.wantErr)
			continue
		}
		if err == nil && (start != c.start || end != c.end) {
			t.Errorf("parseRange(%q, %d) = %d-%d, want %d-%d", c.header, c.size, start, end, c.start, c.end)
		}
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/api/download")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET on download endpoint: expected 405, got %d", resp.StatusCode)
	}
}

func TestRateLimiter_SeparatesClients(t *testing.T) {
	rl := newIPRateLimiter(1, 2)
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst of 2 should admit two requests")
	}
	if rl.Allow("a") {
		t.Error("third immediate request should be limited")
	}
	if !rl.Allow("b") {
		t.Error("a different client must have its own bucket")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:4242"
	if got := clientIP(r); got != "192.0.2.1" {
		t.Errorf("RemoteAddr: got %q", got)
	}
	r.Header.Set("X-Real-IP", "198.51.100.7")
	if got := clientIP(r); got != "198.51.100.7" {
		t.Errorf("X-Real-IP: got %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 198.51.100.7")
	if got := clientIP(r); got != "203.0.113.9" {
		t.Errorf("X-Forwarded-For: got %q", got)
	}
}
