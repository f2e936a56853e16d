package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxDimension = 1200
	DefaultJPEGQuality  = 85
)

// Processor turns a source asset into the stored JPEG.
type Processor struct {
	MaxDimension int
	Quality      int
	Storage      Storage
}

// Processed describes one stored file. Written is false when an identical file
// was already present under the same key.
type Processed struct {
	Key     string
	Written bool
	Width   int
	Height  int
}

// Key is content addressed: the same source bytes always land on the same key.
func Key(itemCode string, a Asset) string {
	name := a.Filename()
	stem := strings.TrimSuffix(name, path.Ext(name))
	short := a.Hash
	if len(short) > 12 {
		short = short[:12]
	}
	return path.Join("products", safeSegment(itemCode), safeSegment(stem)+"_"+short+".jpg")
}

func safeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}

func (p *Processor) maxDim() int {
	if p.MaxDimension <= 0 {
		return DefaultMaxDimension
	}
	return p.MaxDimension
}

func (p *Processor) quality() int {
	if p.Quality <= 0 || p.Quality > 100 {
		return DefaultJPEGQuality
	}
	return p.Quality
}

// Process decodes the asset, flattens it onto an opaque RGB canvas, downscales
// it to fit MaxDimension and stores it as JPEG.
func (p *Processor) Process(ctx context.Context, itemCode string, a Asset) (Processed, error) {
	key := Key(itemCode, a)
	if ok, err := p.Storage.Exists(ctx, key); err == nil && ok {
		return Processed{Key: key}, nil
	}

	f, err := os.Open(a.FullPath)
	if err != nil {
		return Processed{}, fmt.Errorf("%w: %s", ErrAssetMissing, a.Path)
	}
	src, format, err := image.Decode(f)
	f.Close()
	if err != nil {
		return Processed{}, fmt.Errorf("decode %s: %w", a.Path, err)
	}

	img := Fit(Flatten(src), p.maxDim())

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality()}); err != nil {
		return Processed{}, fmt.Errorf("encode %s (%s): %w", a.Path, format, err)
	}
	if err := p.Storage.Put(ctx, key, &buf); err != nil {
		return Processed{}, fmt.Errorf("store %s: %w", key, err)
	}
	b := img.Bounds()
	return Processed{Key: key, Written: true, Width: b.Dx(), Height: b.Dy()}, nil
}

// Flatten draws src over white, dropping alpha and palettes.
func Flatten(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

// Fit scales img down so neither side exceeds limit, keeping the aspect ratio.
func Fit(img *image.RGBA, limit int) *image.RGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w <= limit && h <= limit {
		return img
	}
	nw, nh := limit, limit
	if w >= h {
		nh = int(float64(h)*float64(limit)/float64(w) + 0.5)
	} else {
		nw = int(float64(w)*float64(limit)/float64(h) + 0.5)
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}
