// Package hash computes stable content fingerprints for local files.
// The Deployer hashes the same file (original or preprocessed) that it
// later uploads, so the manifest hash and the wire bytes agree.
package hash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Hasher produces a stable hex digest over a byte stream. The zero value
// is ready to use.
type Hasher struct{}

// New returns a ready-to-use Hasher.
func New() *Hasher {
	return &Hasher{}
}

// File hashes the content of absPath, returning the lowercase hex digest
// and the byte count read.
func (h *Hasher) File(ctx context.Context, absPath string) (digest string, size int64, err error) {
	f, err := os.Open(absPath)
	if err != nil {
		return "", 0, errors.Wrapf(err, "unable to open %s", absPath)
	}
	defer f.Close()

	return h.Stream(ctx, f)
}

// Stream hashes everything read from r until EOF, honoring ctx
// cancellation between chunks.
func (h *Hasher) Stream(ctx context.Context, r io.Reader) (digest string, size int64, err error) {
	sum := sha256.New()
	n, err := copyWithContext(ctx, sum, r)
	if err != nil {
		return "", 0, errors.Wrap(err, "hashing stream")
	}
	return hex.EncodeToString(sum.Sum(nil)), n, nil
}

// TeeCopy copies src to dst while feeding everything through the digest,
// so callers that must write preprocessed bytes to a temp file can hash
// and materialize in a single pass (the pattern the manifest/preprocess
// agreement in §4.3 requires).
func (h *Hasher) TeeCopy(ctx context.Context, dst io.Writer, src io.Reader) (digest string, size int64, err error) {
	sum := sha256.New()
	n, err := copyWithContext(ctx, io.MultiWriter(dst, sum), src)
	if err != nil {
		return "", 0, errors.Wrap(err, "tee-copying stream")
	}
	return hex.EncodeToString(sum.Sum(nil)), n, nil
}

// DirSentinel is the fixed digest recorded for directory entries when a
// manifest chooses to carry them explicitly (see DESIGN.md Open Question
// b). Not used by the default on-the-fly createDir strategy, kept for
// drivers/tests that want directory rows.
const DirSentinel = "0000000000000000000000000000000000000000000000000000000000000000" // 64 zero hex digits, matches sha256 digest width

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}
