package kb

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Section markers printed by run_all_sources.py.
const (
	TableSectionMarker = "=== 表格聚合视图"
	ImageSectionMarker = "=== 图片 (images) ==="
)

// Default limits for artifact extraction.
const (
	DefaultMaxImageRefs  = 20
	DefaultMaxBestImages = 8
)

var imageExts = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true, "webp": true, "bmp": true,
}

// ExtractTableAggregate returns the body of the table aggregate section,
// without its marker line, or "" when absent.
func ExtractTableAggregate(md string) string {
	text := strings.TrimSpace(md)
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	start := -1
	for i, ln := range lines {
		if strings.HasPrefix(strings.TrimSpace(ln), TableSectionMarker) {
			start = i
			break
		}
	}
	if start < 0 {
		return ""
	}
	end := len(lines)
	for j := start + 1; j < len(lines); j++ {
		if strings.HasPrefix(strings.TrimSpace(lines[j]), "=== ") {
			end = j
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[start+1:end], "\n"))
}

// ImageRef points at an image inside a source document. Page is a page
// number for PDFs and a 1-based media index for DOCX files.
type ImageRef struct {
	Path string
	Page string
}

// ExtractImageRefs parses "path=<path> page=<page>" lines. The last " page="
// wins so paths may contain spaces.
func ExtractImageRefs(md string, maxRefs int) []ImageRef {
	if maxRefs <= 0 {
		maxRefs = DefaultMaxImageRefs
	}
	var refs []ImageRef
	for _, ln := range strings.Split(md, "\n") {
		s := strings.TrimSpace(ln)
		if !strings.HasPrefix(s, "path=") || !strings.Contains(s, " page=") {
			continue
		}
		idx := strings.LastIndex(s, " page=")
		path := strings.TrimSpace(s[len("path="):idx])
		page := strings.TrimSpace(s[idx+len(" page="):])
		if path == "" {
			continue
		}
		refs = append(refs, ImageRef{Path: path, Page: page})
		if len(refs) >= maxRefs {
			break
		}
	}
	return refs
}

// ExtractBestImages pulls one representative image per referenced page
// into outDir: the largest image on a PDF page, or the indexed media file
// of a DOCX. It returns absolute paths of the files written; failures are
// skipped.
func ExtractBestImages(refs []ImageRef, outDir string, maxImages int) []string {
	if maxImages <= 0 {
		maxImages = DefaultMaxBestImages
	}
	if len(refs) == 0 {
		return nil
	}
	out, err := filepath.Abs(outDir)
	if err != nil {
		out = outDir
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		slog.Warn("creating images dir failed", "dir", out, "error", err)
		return nil
	}

	batch := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	seen := make(map[ImageRef]bool)
	var saved []string

	for _, ref := range refs {
		if len(saved) >= maxImages {
			break
		}
		if seen[ref] {
			continue
		}
		seen[ref] = true

		if st, err := os.Stat(ref.Path); err != nil || st.IsDir() {
			continue
		}
		page := safeInt(ref.Page, 1)

		var data []byte
		var ext string
		switch strings.ToLower(filepath.Ext(ref.Path)) {
		case ".pdf":
			data, ext = largestPDFImage(ref.Path, page)
		case ".docx":
			data, ext = docxMedia(ref.Path, page)
		default:
			continue
		}
		if len(data) == 0 {
			continue
		}
		if !imageExts[ext] {
			ext = "png"
		}

		name := fmt.Sprintf("kb_best_%s_%d.%s", batch, len(saved)+1, ext)
		p := filepath.Join(out, name)
		if err := os.WriteFile(p, data, 0o644); err != nil {
			slog.Warn("writing extracted image failed", "path", p, "error", err)
			continue
		}
		saved = append(saved, p)
	}
	return saved
}

// ImageURL maps a local image path to its static URL.
func ImageURL(path string) string {
	return "/api/kb-images/" + filepath.Base(path)
}

func safeInt(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}
