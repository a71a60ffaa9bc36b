package transfer

import (
	"fmt"
	"path/filepath"
	"strings"

	"anivault/internal/store"
)

// Characters stripped from titles before they become directory names.
const forbiddenPathChars = `/\:*?"<>|`

// SanitizeTitle strips forbidden filesystem characters and control bytes
// from a catalog title.
func SanitizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range title {
		if r < 0x20 || strings.ContainsRune(forbiddenPathChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// AnimeDirName returns the per-anime directory name: the sanitized title
// suffixed with the catalog id so two works with the same title cannot
// collide.
func AnimeDirName(title string, id int64) string {
	return fmt.Sprintf("%s-%d", SanitizeTitle(title), id)
}

// EpisodeFileName is the final on-disk name for an episode.
func EpisodeFileName(episode int) string {
	return fmt.Sprintf("%02d.mp4", episode)
}

// PartialFileName is the in-progress name; the underscore suffix is what
// the content server looks for when the final file is absent.
func PartialFileName(episode int) string {
	return fmt.Sprintf("%02d_.mp4", episode)
}

// Identifier derives the stable download identifier joining the transfer
// engine, broadcaster, ledger and content server. Single-episode works use
// the bare title, matching how the catalog UI names them.
func Identifier(a *store.Anime, episode int) string {
	if a.TotalEpisodes <= 1 {
		return a.Title
	}
	return fmt.Sprintf("%s Episode %d", a.Title, episode)
}

// episodePaths resolves the directory, temp and final path for one episode.
func episodePaths(mediaDir string, a *store.Anime, episode int) (dir, tmp, final string) {
	dir = filepath.Join(mediaDir, AnimeDirName(a.Title, a.ID))
	tmp = filepath.Join(dir, PartialFileName(episode))
	final = filepath.Join(dir, EpisodeFileName(episode))
	return dir, tmp, final
}
