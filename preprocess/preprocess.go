// Package preprocess transforms selected files into a cached temp
// representation used for both hashing and upload, so the manifest and
// the wire bytes agree exactly (spec §4.3).
package preprocess

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/js"

	"github.com/gohtdeploy/gohtdeploy/filter"
)

// Pipeline materializes preprocessed copies of matched files under
// tempDir, mirroring relPath.
type Pipeline struct {
	masks  *filter.List
	tempDir string
	m      *minify.M
}

// New builds a Pipeline. masks selects which relPaths get minified;
// everything else is copied verbatim. tempDir is the scratch area
// (spec's Config.tempDir).
func New(masks []string, tempDir string) (*Pipeline, error) {
	list, err := filter.NewList(masks, false)
	if err != nil {
		return nil, errors.Wrap(err, "compiling preprocess masks")
	}

	m := minify.New()
	m.AddFunc("text/javascript", js.Minify)
	m.AddFunc("text/css", css.Minify)

	return &Pipeline{masks: list, tempDir: tempDir, m: m}, nil
}

// Matches reports whether relPath is selected for preprocessing.
func (p *Pipeline) Matches(relPath string) bool {
	return p.masks.Decide(relPath, false)
}

// Process reads src fully, transforms it if relPath matches a
// preprocessMask, writes the result under tempDir mirroring relPath, and
// returns the absolute path to the materialized file. When relPath does
// not match any mask, the identity copy is still materialized so the
// caller always has one code path for hashing+upload.
func (p *Pipeline) Process(relPath string, src io.Reader) (tempAbsPath string, err error) {
	dst := filepath.Join(p.tempDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", errors.Wrapf(err, "creating temp dir for %s", relPath)
	}

	f, err := os.Create(dst)
	if err != nil {
		return "", errors.Wrapf(err, "creating temp file for %s", relPath)
	}
	defer f.Close()

	mediatype := p.mediaType(relPath)
	if mediatype == "" {
		if _, err := io.Copy(f, src); err != nil {
			return "", errors.Wrapf(err, "copying %s", relPath)
		}
		return dst, nil
	}

	if err := p.m.Minify(mediatype, f, src); err != nil {
		return "", errors.Wrapf(err, "minifying %s", relPath)
	}
	return dst, nil
}

func (p *Pipeline) mediaType(relPath string) string {
	if !p.Matches(relPath) {
		return ""
	}
	switch filepath.Ext(relPath) {
	case ".js":
		return "text/javascript"
	case ".css":
		return "text/css"
	default:
		return ""
	}
}

// Cleanup removes the temp tree. Best-effort, matching the spec's
// "deleted after the run (best-effort on failure)" temp-file lifecycle.
func (p *Pipeline) Cleanup() {
	_ = os.RemoveAll(p.tempDir)
}
