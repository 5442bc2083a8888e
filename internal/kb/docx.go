package kb

import (
	"archive/zip"
	"io"
	"path/filepath"
	"sort"
	"strings"
)

const docxMediaPrefix = "word/media/"

// docxMedia returns the index-th (1-based, clamped) file under word/media/
// in name order, matching how the retrieval script numbers DOCX images.
func docxMedia(path string, index int) ([]byte, string) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, "png"
	}
	defer zr.Close()

	var media []*zip.File
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, docxMediaPrefix) && len(f.Name) > len(docxMediaPrefix) {
			media = append(media, f)
		}
	}
	if len(media) == 0 {
		return nil, "png"
	}
	sort.Slice(media, func(i, j int) bool { return media[i].Name < media[j].Name })

	index = max(1, min(index, len(media)))
	f := media[index-1]
	rc, err := f.Open()
	if err != nil {
		return nil, "png"
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, "png"
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(f.Name), "."))
	if ext == "" {
		ext = "png"
	}
	return data, ext
}
