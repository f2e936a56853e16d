// Package snapshot reads ERP catalog exports: a JSON array of item objects,
// optionally BOM-prefixed and optionally in a legacy single-byte charset.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/net/html/charset"
)

var (
	ErrSourceUnavailable = errors.New("snapshot unavailable")
	ErrMalformedSnapshot = errors.New("malformed snapshot")
)

// Record is one raw item object, keys as exported.
type Record map[string]any

// Snapshot is a parsed export plus the file metadata captured when it was read.
type Snapshot struct {
	Path    string
	Size    int64
	ModTime time.Time
	SHA256  string
	Records []Record
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Read loads the whole file. encoding is a charset label ("utf-8",
// "windows-1251", "cp1251", ...); empty means utf-8.
func Read(path, encoding string) (*Snapshot, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, path, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrSourceUnavailable, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, path, err)
	}

	sum := sha256.Sum256(raw)
	snap := &Snapshot{
		Path:    path,
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		SHA256:  hex.EncodeToString(sum[:]),
	}

	body, err := toUTF8(raw, encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedSnapshot, path, err)
	}
	recs, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	snap.Records = recs
	return snap, nil
}

// Parse decodes a snapshot body. The top level must be an array of objects.
func Parse(body []byte) ([]Record, error) {
	body = bytes.TrimPrefix(body, utf8BOM)

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var top any
	if err := dec.Decode(&top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	list, ok := top.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level is %s, want array", ErrMalformedSnapshot, kind(top))
	}
	out := make([]Record, 0, len(list))
	for i, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: element %d is %s, want object", ErrMalformedSnapshot, i, kind(el))
		}
		out = append(out, Record(m))
	}
	return out, nil
}

func toUTF8(raw []byte, encoding string) ([]byte, error) {
	label := normalizeCharset(encoding)
	if label == "" || label == "utf-8" {
		return raw, nil
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// normalizeCharset maps the labels seen in source configs onto names
// charset.NewReaderLabel understands.
func normalizeCharset(cs string) string {
	c := strings.TrimSpace(strings.ToLower(cs))
	switch c {
	case "", "utf8", "utf-8", "utf-8-sig", "utf_8_sig", "utf8-bom":
		return "utf-8"
	case "cp1251", "windows1251", "win-1251", "win1251":
		return "windows-1251"
	case "koi8r", "koi8_r":
		return "koi8-r"
	case "cp866", "ibm866":
		return "ibm866"
	default:
		return c
	}
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "bool"
	case json.Number:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
