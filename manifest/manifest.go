// Package manifest implements the remote-persisted mapping of
// relative paths to content hashes: the source of truth for "what is
// deployed" (spec §4.4).
package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ParseError reports a malformed manifest line.
type ParseError struct {
	Line int
	Text string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("manifest: invalid line %d: %s", e.Line, e.Text)
}

// Manifest is a mapping relPath -> hex hash. The map itself is
// unordered; Serialize writes it sorted by relPath.
type Manifest map[string]string

// New returns an empty Manifest.
func New() Manifest {
	return Manifest{}
}

// Serialize writes the manifest sorted by relPath, one
// "<hash> <relPath>\n" record per line, UTF-8, trailing newline required.
func (m Manifest) Serialize() []byte {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	for _, p := range paths {
		buf.WriteString(m[p])
		buf.WriteByte(' ')
		buf.WriteString(p)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Parse reads a manifest, tolerant of blank lines and CRLF. Any
// non-blank line that is not "<hash> <relPath>" aborts with a
// ParseError.
func Parse(data []byte) (Manifest, error) {
	m := New()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		idx := strings.IndexByte(line, ' ')
		if idx <= 0 || idx == len(line)-1 {
			return nil, &ParseError{Line: lineNo, Text: line}
		}
		hash := line[:idx]
		relPath := line[idx+1:]
		if hash == "" || relPath == "" {
			return nil, &ParseError{Line: lineNo, Text: line}
		}
		m[relPath] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning manifest")
	}
	return m, nil
}

// Diff computes the upload and delete sets per spec §4.7 Phase 3:
//
//	toUpload = { p | local[p] != remote[p] or p not in remote }
//	toDelete = { p | p in remote and p not in local } (empty unless allowDelete)
func Diff(local, remote Manifest, allowDelete bool) (toUpload, toDelete []string) {
	for p, h := range local {
		if rh, ok := remote[p]; !ok || rh != h {
			toUpload = append(toUpload, p)
		}
	}
	sort.Strings(toUpload)

	if !allowDelete {
		return toUpload, nil
	}

	for p := range remote {
		if _, ok := local[p]; !ok {
			toDelete = append(toDelete, p)
		}
	}
	sort.Strings(toDelete)
	return toUpload, toDelete
}

// Redeploy forces every local path into toUpload regardless of hash
// equality, per the --redeploy / --full semantics in spec §4.7.
func Redeploy(local Manifest) []string {
	paths := make([]string, 0, len(local))
	for p := range local {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
