// Package media normalizes snapshot image lists, diffs them against stored
// image records and re-encodes the staged files.
package media

import (
	"errors"
	"path"
	"strings"
)

var ErrAssetMissing = errors.New("image asset missing")

// Ref is one image reference as it appears in a snapshot: either a LegacyPath
// or a Structured entry.
type Ref interface {
	imageRef()
}

// LegacyPath is the old list-of-strings form. The first one is the main image.
type LegacyPath string

// Structured carries its own main flag.
type Structured struct {
	Path   string
	IsMain bool
}

func (LegacyPath) imageRef() {}
func (Structured) imageRef() {}

// Entry is the canonical form every Ref is normalized into.
type Entry struct {
	Path   string
	IsMain bool
	Order  int
}

// Filename is the base name used to match an entry against stored images.
func (e Entry) Filename() string { return Filename(e.Path) }

// Filename returns the base name of p, accepting both slash styles.
func Filename(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// Normalize converts refs to entries with exactly one main image. Structured
// refs without a path are dropped and counted in skipped.
func Normalize(refs []Ref) (entries []Entry, skipped int) {
	for i, r := range refs {
		switch v := r.(type) {
		case LegacyPath:
			p := strings.TrimSpace(string(v))
			if p == "" {
				skipped++
				continue
			}
			entries = append(entries, Entry{Path: p, IsMain: i == 0})
		case Structured:
			p := strings.TrimSpace(v.Path)
			if p == "" {
				skipped++
				continue
			}
			entries = append(entries, Entry{Path: p, IsMain: v.IsMain})
		default:
			skipped++
		}
	}

	mainSeen := false
	for i := range entries {
		entries[i].Order = i
		if entries[i].IsMain {
			if mainSeen {
				entries[i].IsMain = false
			}
			mainSeen = true
		}
	}
	if !mainSeen && len(entries) > 0 {
		entries[0].IsMain = true
	}
	return entries, skipped
}
