// Package kb wraps the trading knowledge base retrieval script and parses
// the artifacts (tables, image references) embedded in its output.
package kb

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// imagePathsMarker separates the markdown answer from exported image paths.
const imagePathsMarker = "[图片路径]"

// QueryError reports a failed retrieval. Msg is safe to show to users.
type QueryError struct {
	Msg string
	Err error
}

func (e *QueryError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *QueryError) Unwrap() error { return e.Err }

// IsQueryError reports whether err is a retrieval failure.
func IsQueryError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe)
}

// Result is the parsed output of one retrieval call.
type Result struct {
	Markdown string
	Images   []string
}

// Retriever runs one knowledge base query.
type Retriever interface {
	Query(ctx context.Context, query string, images []string) (Result, error)
}

// Adapter runs run_all_sources.py as a subprocess.
type Adapter struct {
	python    string
	script    string
	imagesDir string
}

// NewAdapter creates an adapter. imagesDir receives exported images and is
// passed to the script as an absolute path.
func NewAdapter(python, script, imagesDir string) *Adapter {
	if python == "" {
		python = "python3"
	}
	if abs, err := filepath.Abs(imagesDir); err == nil {
		imagesDir = abs
	}
	return &Adapter{python: python, script: script, imagesDir: imagesDir}
}

// ImagesDir returns the absolute image export directory.
func (a *Adapter) ImagesDir() string { return a.imagesDir }

// Query runs the script for query. Only the first image is forwarded; the
// script accepts a single --query-image.
func (a *Adapter) Query(ctx context.Context, query string, images []string) (Result, error) {
	ctx, span := otel.Tracer("rsagent/kb").Start(ctx, "kb.query")
	defer span.End()
	span.SetAttributes(attribute.Int("kb.query_len", len(query)))

	if st, err := os.Stat(a.script); err != nil || st.IsDir() {
		return Result{}, &QueryError{Msg: fmt.Sprintf("run_all_sources.py not found at %s", a.script)}
	}

	args := []string{a.script}
	if query != "" {
		args = append(args, "--query", query)
	}
	if len(images) > 0 {
		args = append(args, "--query-image", images[0])
	}
	args = append(args, "--output-images-dir", a.imagesDir)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, a.python, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, &QueryError{Msg: "failed to start KB script", Err: err}
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, &QueryError{Msg: fmt.Sprintf("KB script exited with %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))}
		}
		return Result{}, &QueryError{Msg: "KB script failed", Err: err}
	}

	res := ParseOutput(stdout.String())
	span.SetAttributes(
		attribute.Int("kb.markdown_len", len(res.Markdown)),
		attribute.Int("kb.images", len(res.Images)),
	)
	return res, nil
}

// ParseOutput splits script stdout at the image paths marker line. Text
// before the marker is the answer; non-blank lines after it are paths.
func ParseOutput(stdout string) Result {
	var md []string
	var images []string
	inImages := false

	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == imagePathsMarker {
			inImages = true
			continue
		}
		if inImages {
			if trimmed != "" {
				images = append(images, trimmed)
			}
			continue
		}
		md = append(md, line)
	}
	return Result{
		Markdown: strings.TrimSpace(strings.Join(md, "\n")),
		Images:   images,
	}
}
