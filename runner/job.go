// Package runner executes operator-specified hook jobs: local shell,
// remote shell, HTTP GET, and copy-from-local, per spec §4.6/§6.
package runner

import (
	"strings"

	"github.com/pkg/errors"
)

// Kind tags the variant of a Job.
type Kind int

const (
	KindLocalShell Kind = iota
	KindRemoteShell
	KindHTTPGet
	KindUploadCopy
)

func (k Kind) String() string {
	switch k {
	case KindLocalShell:
		return "local-shell"
	case KindRemoteShell:
		return "remote-shell"
	case KindHTTPGet:
		return "http-get"
	case KindUploadCopy:
		return "upload-copy"
	default:
		return "unknown"
	}
}

// Job is the tagged variant from spec §3: {kind, cmd} for shells,
// {kind, url} for http-get, {kind, srcRel, dstRel} for upload-copy.
type Job struct {
	Kind   Kind
	Raw    string // the original config line, for error messages
	Cmd    string
	URL    string
	SrcRel string
	DstRel string
}

// ParseJob decodes one hook line per spec §6 "Hook job prefixes":
// "local:" shell, "remote:" shell, "upload: srcRel dstRel" copy-from-local,
// bare URL starting http://https:// is a GET.
func ParseJob(line string) (Job, error) {
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "local:"):
		return Job{Kind: KindLocalShell, Raw: line, Cmd: strings.TrimSpace(trimmed[len("local:"):])}, nil
	case strings.HasPrefix(trimmed, "remote:"):
		return Job{Kind: KindRemoteShell, Raw: line, Cmd: strings.TrimSpace(trimmed[len("remote:"):])}, nil
	case strings.HasPrefix(trimmed, "upload:"):
		parts := strings.Fields(strings.TrimSpace(trimmed[len("upload:"):]))
		if len(parts) != 2 {
			return Job{}, errors.Errorf("upload job %q needs \"srcRel dstRel\"", line)
		}
		return Job{Kind: KindUploadCopy, Raw: line, SrcRel: parts[0], DstRel: parts[1]}, nil
	case strings.HasPrefix(trimmed, "http://"), strings.HasPrefix(trimmed, "https:"):
		return Job{Kind: KindHTTPGet, Raw: line, URL: trimmed}, nil
	default:
		return Job{}, errors.Errorf("unrecognized job %q", line)
	}
}

// ParseJobs decodes an ordered list of hook lines, stopping at the first
// parse error.
func ParseJobs(lines []string) ([]Job, error) {
	jobs := make([]Job, 0, len(lines))
	for _, line := range lines {
		j, err := ParseJob(line)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
