// Package fingerprint hashes the catalog-relevant state of an item so that
// unchanged items can be skipped.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
)

// Input is the fixed field set that makes an item "changed". Images are not
// part of it; they are reconciled separately.
type Input struct {
	Name        string
	Price       float64
	Stock       float64
	InStock     bool
	Description string
	Weight      string
	Category    string // full path, outermost first
	Barcodes    []string
}

// Compute serializes Input with sorted keys and returns the hex SHA-256.
// Numbers are formatted with fixed precision so 100 and 100.0 hash equal.
func Compute(in Input) string {
	bc := in.Barcodes
	if bc == nil {
		bc = []string{}
	}
	// encoding/json writes map keys in sorted order
	doc := map[string]any{
		"name":          in.Name,
		"price":         strconv.FormatFloat(in.Price, 'f', 2, 64),
		"stockQuantity": strconv.FormatFloat(in.Stock, 'f', 3, 64),
		"inStock":       in.InStock,
		"description":   in.Description,
		"weight":        in.Weight,
		"category":      in.Category,
		"barcodes":      bc,
	}
	b, _ := json.Marshal(doc)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type Decision int

const (
	Create Decision = iota
	Update
	Unchanged
)

func (d Decision) String() string {
	switch d {
	case Create:
		return "create"
	case Update:
		return "update"
	case Unchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// Prior is the persisted state Decide compares against.
type Prior struct {
	SourceID    uint // 0 when the item has no source
	Visible     bool
	Fingerprint string
}

// Decide returns Unchanged only when the item already belongs to sourceID, is
// visible and carries the same fingerprint.
func Decide(prior *Prior, sourceID uint, fp string) Decision {
	if prior == nil {
		return Create
	}
	if prior.SourceID == sourceID && prior.Visible && prior.Fingerprint != "" && prior.Fingerprint == fp {
		return Unchanged
	}
	return Update
}
