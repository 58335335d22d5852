package capture

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	// Some capture tools emit webp.
	_ "golang.org/x/image/webp"
)

// Image is a captured display, ready to be attached to the page.
type Image struct {
	Data   string // base64, standard encoding
	MIME   string
	Name   string
	Width  int
	Height int
	Size   int // encoded bytes before base64
}

// Empty reports whether the image carries no data.
func (i Image) Empty() bool { return i.Data == "" }

// EncodeOptions controls re-encoding.
type EncodeOptions struct {
	MaxWidth int    // 0 keeps the original width
	Format   string // "png" (default) or "jpeg"
	Quality  int    // jpeg only
	BaseName string // file name without extension
}

// Encode decodes raw capture bytes, downscales them to MaxWidth and
// re-encodes them for upload.
func Encode(raw []byte, opts EncodeOptions) (Image, error) {
	if len(raw) == 0 {
		return Image{}, fmt.Errorf("encode screenshot: empty capture")
	}
	if mt := mimetype.Detect(raw); !strings.HasPrefix(mt.String(), "image/") {
		return Image{}, fmt.Errorf("encode screenshot: capture is %s, not an image", mt.String())
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Image{}, fmt.Errorf("decode screenshot: %w", err)
	}
	if opts.MaxWidth > 0 && img.Bounds().Dx() > opts.MaxWidth {
		img = imaging.Resize(img, opts.MaxWidth, 0, imaging.Lanczos)
	}

	format := imaging.PNG
	var encOpts []imaging.EncodeOption
	if strings.EqualFold(opts.Format, "jpeg") || strings.EqualFold(opts.Format, "jpg") {
		format = imaging.JPEG
		if opts.Quality > 0 {
			encOpts = append(encOpts, imaging.JPEGQuality(opts.Quality))
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, encOpts...); err != nil {
		return Image{}, fmt.Errorf("encode screenshot: %w", err)
	}

	mt := mimetype.Detect(buf.Bytes())
	base := opts.BaseName
	if base == "" {
		base = "screenshot"
	}
	b := img.Bounds()
	return Image{
		Data:   base64.StdEncoding.EncodeToString(buf.Bytes()),
		MIME:   mt.String(),
		Name:   base + mt.Extension(),
		Width:  b.Dx(),
		Height: b.Dy(),
		Size:   buf.Len(),
	}, nil
}
