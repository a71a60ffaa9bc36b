package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"anivault/internal/store"
	"anivault/internal/transfer"
)

// growPollInterval is how often the partial-file streamer re-checks a file
// that has been read to its current end but not to its expected total.
const growPollInterval = 200 * time.Millisecond

// handleVideo serves /videos/{animeID}/{episode}.mp4. A finished episode is
// served straight from disk with full range support. While the transfer is
// still running only the partial file exists; it is served with the total
// length taken from the size ledger and the body follows the file as it
// grows, so a player can start on an episode mid-download.
func (s *server) handleVideo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w)
		return
	}
	animeID, episode, ok := parseVideoPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	a, err := s.lookupAnime(r.Context(), animeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	final, partial := s.episodeFiles(a, episode)
	if f, err := os.Open(final); err == nil {
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		http.ServeContent(w, r, filepath.Base(final), info.ModTime(), f)
		return
	}

	// The final file may be missing because the cached catalog row is stale
	// and points at a renamed directory. Invalidate and retry exactly once.
	s.dirCache.Remove(animeID)
	a, err = s.lookupAnime(r.Context(), animeID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	final, partial = s.episodeFiles(a, episode)
	if f, err := os.Open(final); err == nil {
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		http.ServeContent(w, r, filepath.Base(final), info.ModTime(), f)
		return
	}

	s.servePartial(w, r, a, episode, partial)
}

// servePartial streams a still-growing file. The advertised length is the
// expected final size from the ledger; without it the request fails, since
// a range response cannot be framed around an unknown total.
func (s *server) servePartial(w http.ResponseWriter, r *http.Request, a *store.Anime, episode int, partial string) {
	f, err := os.Open(partial)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	id := transfer.Identifier(a, episode)
	total, ok := s.engine.InFlightSize(id)
	if !ok || total <= 0 {
		http.NotFound(w, r)
		return
	}

	start, end := int64(0), total-1
	status := http.StatusOK
	if rh := r.Header.Get("Range"); rh != "" {
		start, end, err = parseRange(rh, total)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.Header().Set("X-Download-In-Progress", "1")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}

	s.copyGrowing(w, r, f, id, start, end)
}

// copyGrowing copies f[start..end] to the client, waiting for the transfer
// engine to append more bytes whenever the read position catches up with
// the written prefix. It stops when the session disappears without the file
// reaching the promised range.
func (s *server) copyGrowing(w http.ResponseWriter, r *http.Request, f *os.File, id string, start, end int64) {
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return
	}
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 64*1024)
	offset := start
	for offset <= end {
		limit := int64(len(buf))
		if rem := end - offset + 1; rem < limit {
			limit = rem
		}
		n, err := f.Read(buf[:limit])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			offset += int64(n)
			continue
		}
		if err != nil && err != io.EOF {
			return
		}
		// Caught up with the written prefix; wait for growth.
		if !s.engine.Active(id) {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(growPollInterval):
		}
	}
}

// episodeFiles returns the final and partial paths for one episode.
func (s *server) episodeFiles(a *store.Anime, episode int) (final, partial string) {
	dir := filepath.Join(s.mediaDir, transfer.AnimeDirName(a.Title, a.ID))
	final = filepath.Join(dir, transfer.EpisodeFileName(episode))
	partial = filepath.Join(dir, transfer.PartialFileName(episode))
	return final, partial
}

// parseVideoPath extracts the catalog id and episode from
// /videos/{animeID}/{episode}.mp4.
func parseVideoPath(path string) (animeID int64, episode int, ok bool) {
	rest, found := strings.CutPrefix(path, "/videos/")
	if !found {
		return 0, 0, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return 0, 0, false
	}
	animeID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || animeID <= 0 {
		return 0, 0, false
	}
	name, found := strings.CutSuffix(parts[1], ".mp4")
	if !found {
		return 0, 0, false
	}
	episode, err = strconv.Atoi(name)
	if err != nil || episode <= 0 {
		return 0, 0, false
	}
	return animeID, episode, true
}

// parseRange parses a single-range Range header against a known total size.
// Multi-range requests, syntactic garbage and ranges starting past the end
// all fail; suffix ranges (bytes=-N) resolve against the total.
func parseRange(header string, size int64) (start, end int64, err error) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, errors.New("unsupported range")
	}
	lo, hi, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, errors.New("malformed range")
	}
	lo, hi = strings.TrimSpace(lo), strings.TrimSpace(hi)
	if lo == "" {
		// Suffix form: last N bytes.
		n, perr := strconv.ParseInt(hi, 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, errors.New("malformed suffix range")
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, nil
	}
	start, err = strconv.ParseInt(lo, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errors.New("malformed range start")
	}
	if start >= size {
		return 0, 0, errors.New("range past end")
	}
	end = size - 1
	if hi != "" {
		end, err = strconv.ParseInt(hi, 10, 64)
		if err != nil || end < start {
			return 0, 0, errors.New("malformed range end")
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end, nil
}
