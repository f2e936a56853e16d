package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Asset is an entry whose file was found under the media root.
type Asset struct {
	Entry
	FullPath string
	Hash     string
}

// Existing is a stored image record.
type Existing struct {
	ID         uint
	Filename   string
	Hash       string
	IsMain     bool
	Order      int
	StorageKey string
}

type Reorder struct {
	ID    uint
	Order int
}

type Backfill struct {
	ID   uint
	Hash string
}

// Plan is the outcome of diffing assets against stored records.
type Plan struct {
	Keep     []uint
	Backfill []Backfill
	Reorder  []Reorder
	Delete   []Existing
	Stage    []Asset
}

func (p Plan) Empty() bool {
	return len(p.Backfill) == 0 && len(p.Reorder) == 0 && len(p.Delete) == 0 && len(p.Stage) == 0
}

// Locate resolves entries under root and hashes the files that exist. Entries
// whose file is missing, or whose path leaves root, are returned in missing.
// Later entries repeating an earlier filename are dropped.
func Locate(root string, entries []Entry) (assets []Asset, missing []string, err error) {
	seen := map[string]bool{}
	cleanRoot := filepath.Clean(root)
	for _, e := range entries {
		name := e.Filename()
		if seen[name] {
			continue
		}
		rel := filepath.FromSlash(strings.ReplaceAll(e.Path, `\`, "/"))
		full := filepath.Join(cleanRoot, rel)
		if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(filepath.Separator)) {
			missing = append(missing, e.Path)
			continue
		}
		fi, statErr := os.Stat(full)
		if statErr != nil || fi.IsDir() {
			missing = append(missing, e.Path)
			continue
		}
		h, hashErr := HashFile(full)
		if hashErr != nil {
			return nil, nil, fmt.Errorf("hash %s: %w", full, hashErr)
		}
		seen[name] = true
		assets = append(assets, Asset{Entry: e, FullPath: full, Hash: h})
	}
	return assets, missing, nil
}

// Diff matches assets to existing records by filename.
//
//	same hash, same main flag   -> keep (reorder if position moved)
//	stored hash empty           -> backfill hash, then compare main flag
//	hash or main flag changed   -> delete old record, stage file
//	new filename                -> stage
//	filename no longer listed   -> delete
//
// Records sharing a filename beyond the first (lowest id) are deleted.
func Diff(assets []Asset, existing []Existing) Plan {
	var plan Plan
	byName := make(map[string]Existing, len(existing))
	for _, ex := range existing {
		name := Filename(ex.Filename)
		if first, dup := byName[name]; dup {
			if ex.ID < first.ID {
				byName[name] = ex
				plan.Delete = append(plan.Delete, first)
			} else {
				plan.Delete = append(plan.Delete, ex)
			}
			continue
		}
		byName[name] = ex
	}

	used := map[uint]bool{}
	for _, a := range assets {
		ex, ok := byName[a.Filename()]
		if !ok {
			plan.Stage = append(plan.Stage, a)
			continue
		}
		used[ex.ID] = true

		hash := ex.Hash
		if hash == "" {
			hash = a.Hash
			plan.Backfill = append(plan.Backfill, Backfill{ID: ex.ID, Hash: a.Hash})
		}
		if hash == a.Hash && ex.IsMain == a.IsMain {
			plan.Keep = append(plan.Keep, ex.ID)
			if ex.Order != a.Order {
				plan.Reorder = append(plan.Reorder, Reorder{ID: ex.ID, Order: a.Order})
			}
			continue
		}
		plan.Delete = append(plan.Delete, ex)
		plan.Stage = append(plan.Stage, a)
	}

	for _, ex := range byName {
		if !used[ex.ID] {
			plan.Delete = append(plan.Delete, ex)
		}
	}
	return plan
}

func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
