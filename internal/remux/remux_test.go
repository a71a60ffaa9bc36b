package remux

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"anivault/internal/progress"
)

// box builds a minimal MP4 box: 4-byte big-endian size, 4-byte type, payload.
func box(name string, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(8+len(payload)))
	copy(buf[4:8], name)
	copy(buf[8:], payload)
	return buf
}

func writeTempMP4(t *testing.T, boxes ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	var data []byte
	for _, b := range boxes {
		data = append(data, b...)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPlayablePrefix(t *testing.T) {
	st := New(progress.NewHub(), "ffmpeg")

	faststart := writeTempMP4(t,
		box("ftyp", []byte("isomiso2avc1mp41")),
		box("moov", make([]byte, 128)),
		box("mdat", make([]byte, 4096)),
	)
	if !st.PlayablePrefix(faststart) {
		t.Error("moov before mdat must be playable from the prefix")
	}

	tailIndex := writeTempMP4(t,
		box("ftyp", []byte("isomiso2avc1mp41")),
		box("mdat", make([]byte, 4096)),
		box("moov", make([]byte, 128)),
	)
	if st.PlayablePrefix(tailIndex) {
		t.Error("mdat before moov must not count as playable")
	}

	if st.PlayablePrefix(filepath.Join(t.TempDir(), "missing.mp4")) {
		t.Error("a missing file is never playable")
	}

	garbage := filepath.Join(t.TempDir(), "garbage.mp4")
	if err := os.WriteFile(garbage, []byte("not an mp4 at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if st.PlayablePrefix(garbage) {
		t.Error("non-MP4 content must not count as playable")
	}
}

func TestMoovBeforeMdat_RespectsScanLimit(t *testing.T) {
	// moov exists but sits past the limit; the walk must give up.
	var data []byte
	data = append(data, box("ftyp", []byte("isomiso2avc1mp41"))...)
	data = append(data, box("free", make([]byte, 2048))...)
	data = append(data, box("moov", make([]byte, 64))...)
	if moovBeforeMdat(bytes.NewReader(data), 1024) {
		t.Error("moov beyond the scan window must not be found")
	}
	if !moovBeforeMdat(bytes.NewReader(data), int64(len(data))) {
		t.Error("moov within the window must be found")
	}
}

func TestFinalize_RenamesPlayableFile(t *testing.T) {
	st := New(progress.NewHub(), "ffmpeg")
	tmp := writeTempMP4(t,
		box("ftyp", []byte("isomiso2avc1mp41")),
		box("moov", make([]byte, 64)),
		box("mdat", make([]byte, 1024)),
	)
	final := filepath.Join(filepath.Dir(tmp), "01.mp4")

	if err := st.Finalize(context.Background(), "Clip", tmp, final); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := os.Stat(final); err != nil {
		t.Errorf("final file missing: %v", err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("temp file should be gone after rename, stat err=%v", err)
	}
}

func TestParseSizeLine(t *testing.T) {
	cases := []struct {
		line string
		want int64
		ok   bool
	}{
		{"size=    1024KiB time=00:00:41.64 bitrate= 201.5kbits/s speed= 83x", 1024 * 1024, true},
		{"size=     256kB time=00:00:10.00 bitrate= 209.7kbits/s", 256 * 1024, true},
		{"size=       2MiB time=00:00:50.00", 2 * 1024 * 1024, true},
		{"size=     500B time=00:00:00.10", 500, true},
		{"frame= 1000 fps=250 q=-1.0", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		got, ok := parseSizeLine(c.line)
		if ok != c.ok || got != c.want {
			t.Errorf("parseSizeLine(%q) = (%d, %v), want (%d, %v)", c.line, got, ok, c.want, c.ok)
		}
	}
}

func TestScanCRorLF_SplitsOnBareCR(t *testing.T) {
	input := "size= 1kB\rsize= 2kB\rsize= 3kB\r\nlast line"
	sc := bufio.NewScanner(strings.NewReader(input))
	sc.Split(scanCRorLF)

	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	want := []string{"size= 1kB", "size= 2kB", "size= 3kB", "last line"}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines %q, want %d", len(lines), lines, len(want))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestScanCRorLF_HandlesLineStraddlingReads(t *testing.T) {
	// Feed through a one-byte-at-a-time reader so every line straddles
	// a read boundary.
	input := "size=  10kB\rsize=  20kB\r"
	sc := bufio.NewScanner(iotest{r: strings.NewReader(input)})
	sc.Split(scanCRorLF)

	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 2 || lines[0] != "size=  10kB" || lines[1] != "size=  20kB" {
		t.Errorf("unexpected lines: %q", lines)
	}
}

type iotest struct{ r io.Reader }

func (o iotest) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestNextProgress(t *testing.T) {
	// Real progress below the knee passes through.
	if got := nextProgress(10, 50); got != 50 {
		t.Errorf("expected pass-through 50, got %v", got)
	}
	// Progress never moves backwards.
	if got := nextProgress(60, 40); got != 60 {
		t.Errorf("regressions must be ignored, got %v", got)
	}
	// Past the knee the value converges but stays under 100.
	shown := 90.0
	for i := 0; i < 100; i++ {
		next := nextProgress(shown, 99)
		if next < shown {
			t.Fatalf("iteration %d went backwards: %v -> %v", i, shown, next)
		}
		shown = next
	}
	if shown >= 100 {
		t.Errorf("synthetic progress must stay below 100, got %v", shown)
	}
	if shown < 95 {
		t.Errorf("synthetic progress should converge upwards, got %v", shown)
	}
}

func TestParseProgress_PublishesOptimizingRecords(t *testing.T) {
	hub := progress.NewHub()
	sub := hub.Subscribe(16)
	defer sub.Close()

	st := New(hub, "ffmpeg")
	stderr := "ffmpeg version n6.0\r\n" +
		"size=     100kB time=00:00:01.00 bitrate= 800.0kbits/s\r" +
		"size=     512kB time=00:00:05.00 bitrate= 820.0kbits/s\r" +
		"size=    1024kB time=00:00:10.00 bitrate= 830.0kbits/s\r\n"
	st.parseProgress("Clip", strings.NewReader(stderr), 1024*1024)

	var got []progress.Record
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.Events():
			got = append(got, ev.Record)
		case <-time.After(time.Second):
			t.Fatalf("expected 3 records, got %d", len(got))
		}
	}
	for _, rec := range got {
		if rec.Stage != progress.StageOptimizing {
			t.Errorf("expected optimizing stage, got %v", rec.Stage)
		}
	}
	if got[0].Percent >= got[2].Percent {
		t.Errorf("progress should increase: %v then %v", got[0].Percent, got[2].Percent)
	}
	// The last real reading is 100% but lies past the knee, so the
	// published value is synthetic and still short of 100.
	if got[2].Percent <= fakeProgressKnee || got[2].Percent >= 100 {
		t.Errorf("expected synthetic progress between %v and 100, got %v", fakeProgressKnee, got[2].Percent)
	}
}
