// Package remux ensures a finished episode is progressively playable: an
// MP4 whose moov index sits in front of the media data can start playing
// before the last byte arrives. Files that already satisfy that are just
// renamed; everything else goes through an ffmpeg faststart copy.
package remux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/Eyevinn/mp4ff/mp4"
	"github.com/rs/zerolog"

	"anivault/internal/logging"
	"anivault/internal/progress"
)

// defaultPrefixScanLimit bounds how far into the temp file the box walk looks for
// the index before concluding it sits at the back.
const defaultPrefixScanLimit = 8 << 20

// fakeProgressKnee is where ffmpeg's own size reporting stalls; past it the
// published percentage converges synthetically so the UI never freezes.
const fakeProgressKnee = 91.0

var sizeLineRe = regexp.MustCompile(`size=\s*([0-9]+)\s*(KiB|kB|MiB|B)`)

// Stage finalizes temp files into playable episodes, reporting progress
// through the broadcaster.
type Stage struct {
	hub        *progress.Hub
	ffmpegPath string
	scanLimit  int64
	log        zerolog.Logger
}

// New builds a Stage. ffmpegPath may be empty; LookPath resolves it lazily
// so a host without ffmpeg can still serve already-playable files.
func New(hub *progress.Hub, ffmpegPath string) *Stage {
	if ffmpegPath == "" {
		if p, err := exec.LookPath("ffmpeg"); err == nil {
			ffmpegPath = p
		}
	}
	return &Stage{
		hub:        hub,
		ffmpegPath: ffmpegPath,
		scanLimit:  defaultPrefixScanLimit,
		log:        logging.Get("remux"),
	}
}

// PlayablePrefix reports whether the file's index (moov) appears before its
// media data within the scan window, i.e. the prefix alone is enough for a
// player to start.
func (st *Stage) PlayablePrefix(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	return moovBeforeMdat(f, st.scanLimit)
}

// moovBeforeMdat walks top-level box headers until it sees moov or mdat.
func moovBeforeMdat(r io.ReadSeeker, limit int64) bool {
	var offset int64
	for offset < limit {
		hdr, err := mp4.DecodeHeader(r)
		if err != nil {
			return false
		}
		switch hdr.Name {
		case "moov":
			return true
		case "mdat":
			return false
		}
		if hdr.Size == 0 {
			return false
		}
		offset += int64(hdr.Size)
		if _, err := r.Seek(int64(hdr.Size)-int64(hdr.Hdrlen), io.SeekCurrent); err != nil {
			return false
		}
	}
	return false
}

// Finalize turns tmpPath into finalPath. A file whose index is already up
// front is renamed as-is; otherwise ffmpeg rewrites it with the index
// relocated, and the subprocess's diagnostic stream drives Optimizing
// records. A non-zero ffmpeg exit is fatal for the session; remuxing is
// not expected to be flaky.
func (st *Stage) Finalize(ctx context.Context, id, tmpPath, finalPath string) error {
	if st.PlayablePrefix(tmpPath) {
		return os.Rename(tmpPath, finalPath)
	}
	if st.ffmpegPath == "" {
		return errors.New("ffmpeg not available and file needs index relocation")
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return fmt.Errorf("stat temp file: %w", err)
	}
	totalSize := info.Size()

	cmd := exec.CommandContext(ctx, st.ffmpegPath,
		"-y", "-i", tmpPath,
		"-c", "copy",
		"-movflags", "faststart",
		finalPath,
	)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	var tail bytes.Buffer
	st.parseProgress(id, io.TeeReader(stderr, &tail), totalSize)

	if err := cmd.Wait(); err != nil {
		_ = os.Remove(finalPath)
		return fmt.Errorf("ffmpeg: %w: %s", err, tailString(tail.String(), 512))
	}
	if err := os.Remove(tmpPath); err != nil {
		st.log.Warn().Err(err).Str("id", id).Msg("could not remove temp file after remux")
	}
	return nil
}

// parseProgress reads ffmpeg's carriage-return-rewritten status lines and
// republishes them as 0-100 percentages. ffmpeg's size reporting goes quiet
// while it rewrites the index at the end, so past the knee the published
// value converges synthetically toward (but never reaches) 100.
func (st *Stage) parseProgress(id string, r io.Reader, totalSize int64) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 4096), 256*1024)
	sc.Split(scanCRorLF)

	var shown float64
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		written, ok := parseSizeLine(line)
		if !ok {
			continue
		}
		pct := float64(written) / float64(totalSize) * 100
		if pct > 100 {
			pct = 100
		}
		shown = nextProgress(shown, pct)
		st.hub.Publish(id, progress.Optimizing(shown))
	}
	if err := sc.Err(); err != nil {
		st.log.Debug().Err(err).Str("id", id).Msg("remux progress scan ended")
	}
}

// parseSizeLine extracts the running output size in bytes from one ffmpeg
// status line.
func parseSizeLine(line string) (int64, bool) {
	m := sizeLineRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	switch m[2] {
	case "KiB", "kB":
		n *= 1024
	case "MiB":
		n *= 1024 * 1024
	}
	return n, true
}

// nextProgress keeps real progress up to the knee and converges slowly
// afterwards; monotonic either way.
func nextProgress(shown, actual float64) float64 {
	if actual <= fakeProgressKnee {
		if actual > shown {
			return actual
		}
		return shown
	}
	if shown < fakeProgressKnee {
		shown = fakeProgressKnee
	}
	next := shown + (99.5-shown)/6
	if next < shown {
		return shown
	}
	return next
}

// scanCRorLF is like bufio.ScanLines but treats a bare '\r' as a line
// terminator as well, since ffmpeg rewrites its status line in place. It
// also handles CRLF and strips a trailing CR.
func scanCRorLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			line := data[:i]
			if i > 0 && data[i-1] == '\r' {
				line = data[:i-1]
			}
			return i + 1, line, nil
		}
		if data[i] == '\r' {
			if i+1 < len(data) && data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		if len(data) > 0 && data[len(data)-1] == '\r' {
			return len(data), data[:len(data)-1], nil
		}
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tailString returns the last at most n bytes from s.
func tailString(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-n:])
}
