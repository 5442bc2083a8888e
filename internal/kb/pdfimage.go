package kb

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"

	"github.com/ledongthuc/pdf"
)

// pdfImage is an image XObject found in a page's resources.
type pdfImage struct {
	v      pdf.Value
	width  int
	height int
	color  string
}

// largestPDFImage re-encodes the largest decodable image on page as PNG.
// Only unfiltered or plain FlateDecode 8-bit RGB and gray images are
// decodable; others are skipped rather than reported.
func largestPDFImage(path string, page int) (data []byte, ext string) {
	ext = "png"
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("pdf image extraction aborted", "path", path, "page", page, "panic", r)
			data = nil
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, ext
	}
	defer f.Close()

	if page < 1 || page > r.NumPage() {
		return nil, ext
	}
	p := r.Page(page)
	if p.V.IsNull() {
		return nil, ext
	}

	var best *pdfImage
	for _, img := range pageImages(p.Resources()) {
		if best == nil || img.width*img.height > best.width*best.height {
			best = &img
		}
	}
	if best == nil {
		return nil, ext
	}

	decoded, err := decodeRaw(*best)
	if err != nil {
		slog.Debug("pdf image decode failed", "path", path, "page", page, "error", err)
		return nil, ext
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, decoded); err != nil {
		return nil, ext
	}
	return buf.Bytes(), ext
}

func pageImages(resources pdf.Value) []pdfImage {
	xobjects := resources.Key("XObject")
	var out []pdfImage
	for _, name := range xobjects.Keys() {
		v := xobjects.Key(name)
		if v.Kind() != pdf.Stream || v.Key("Subtype").Name() != "Image" {
			continue
		}
		if !decodableFilter(v) || v.Key("BitsPerComponent").Int64() != 8 {
			continue
		}
		cs := v.Key("ColorSpace").Name()
		if cs != "DeviceRGB" && cs != "DeviceGray" {
			continue
		}
		w, h := int(v.Key("Width").Int64()), int(v.Key("Height").Int64())
		if w <= 0 || h <= 0 {
			continue
		}
		out = append(out, pdfImage{v: v, width: w, height: h, color: cs})
	}
	return out
}

func decodableFilter(v pdf.Value) bool {
	filter := v.Key("Filter")
	switch filter.Kind() {
	case pdf.Null:
		return true
	case pdf.Name:
		return filter.Name() == "FlateDecode" && v.Key("DecodeParms").IsNull()
	}
	return false
}

func decodeRaw(img pdfImage) (image.Image, error) {
	rc := img.v.Reader()
	defer rc.Close()

	channels := 3
	if img.color == "DeviceGray" {
		channels = 1
	}
	raw := make([]byte, img.width*img.height*channels)
	if _, err := io.ReadFull(rc, raw); err != nil {
		return nil, fmt.Errorf("reading %dx%d image stream: %w", img.width, img.height, err)
	}

	rect := image.Rect(0, 0, img.width, img.height)
	if channels == 1 {
		g := image.NewGray(rect)
		copy(g.Pix, raw)
		return g, nil
	}
	rgba := image.NewRGBA(rect)
	for i, j := 0, 0; i < len(raw); i, j = i+3, j+4 {
		rgba.Pix[j] = raw[i]
		rgba.Pix[j+1] = raw[i+1]
		rgba.Pix[j+2] = raw[i+2]
		rgba.Pix[j+3] = 0xff
	}
	return rgba, nil
}
