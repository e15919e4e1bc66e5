// Package source implements the per-kind source providers: download
// with mirror fallback and integrity verification, and extraction into a
// module's build directory.
//
// Archive extraction and VCS operations are deliberately not reimplemented
// here; this package shells out to the real tools
// (tar/unzip/git/bzr/svn/patch) and checks their exit status.
package source

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// isSourceUnavailable tags errors produced when a source could not be
// fetched from any URL/mirror, or failed its digest check.
var isSourceUnavailable = errors.BoolTag{Key: errors.NewTagKey("source unavailable")}

// isIntegrityMismatch tags errors produced when a downloaded artifact's
// digest disagrees with the manifest's declared value.
var isIntegrityMismatch = errors.BoolTag{Key: errors.NewTagKey("integrity mismatch")}

// IsSourceUnavailable reports whether err was tagged as a source-acquisition
// failure.
func IsSourceUnavailable(err error) bool { return isSourceUnavailable.In(err) }

// IsIntegrityMismatch reports whether err was tagged as a digest mismatch.
func IsIntegrityMismatch(err error) bool { return isIntegrityMismatch.In(err) }

// DownloadSpec describes where to fetch a single file from and what digests
// it must satisfy.
type DownloadSpec struct {
	PrimaryURL  string
	Mirrors     []string
	SourcesURLs []string // optional `sources-url` base URIs, tried first
	Digests     map[string]string
	BasenameOverride string
}

// Fetch downloads the artifact described by spec into destDir, verifying
// any declared digests, and returns the path to the downloaded file.
//
// Try order: each sources-url base with path
// "downloads/<primary-digest>/<basename>" first, then the primary URL, then
// each mirror in order. A 404-equivalent on a sources-url base is silent;
// any other error is a warning. The first success wins.
func Fetch(ctx context.Context, spec DownloadSpec, destDir string) (string, error) {
	basename := spec.BasenameOverride
	if basename == "" {
		basename = filepath.Base(spec.PrimaryURL)
	}
	dest := filepath.Join(destDir, basename)

	primaryDigest := firstDigest(spec.Digests)

	var candidates []string
	for _, base := range spec.SourcesURLs {
		candidates = append(candidates, base+"/downloads/"+primaryDigest+"/"+basename)
	}
	candidates = append(candidates, spec.PrimaryURL)
	candidates = append(candidates, spec.Mirrors...)

	var lastErr error
	for i, url := range candidates {
		isSourcesURL := i < len(spec.SourcesURLs)
		if i > len(spec.SourcesURLs) {
			logging.Infof(ctx, "Trying mirror %s", url)
		}
		err := downloadOne(ctx, url, dest)
		if err == nil {
			if err := verifyDigests(dest, spec.Digests); err != nil {
				return "", err
			}
			if fi, statErr := os.Stat(dest); statErr == nil {
				logging.Infof(ctx, "Fetched %s (%s)", basename, humanize.Bytes(uint64(fi.Size())))
			}
			return dest, nil
		}
		if isSourcesURL && isNotFound(err) {
			// Silent: sources-url bases are a best-effort cache mirror.
			lastErr = err
			continue
		}
		logging.Warningf(ctx, "Download of %s failed: %s", url, err)
		lastErr = err
	}
	return "", errors.Annotate(lastErr, "all download URLs failed").Tag(isSourceUnavailable).Err()
}

func firstDigest(digests map[string]string) string {
	for _, alg := range []string{"sha256", "sha512", "sha1", "md5"} {
		if d, ok := digests[alg]; ok {
			return d
		}
	}
	return "unknown"
}

type notFoundError struct{ status int }

func (e *notFoundError) Error() string { return "http status " + http.StatusText(e.status) }

func isNotFound(err error) bool {
	nf, ok := err.(*notFoundError)
	return ok && nf.status == http.StatusNotFound
}

func downloadOne(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &notFoundError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Reason("unexpected status %s", resp.Status).Err()
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

// verifyDigests checks every declared digest against the file at path,
// returning IsIntegrityMismatch(err) == true on any disagreement.
func verifyDigests(path string, digests map[string]string) error {
	if len(digests) == 0 {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Annotate(err, "reading downloaded file").Err()
	}
	defer f.Close()

	hashes := map[string]hash.Hash{}
	writers := make([]io.Writer, 0, len(digests))
	for alg := range digests {
		h := newHash(alg)
		if h == nil {
			continue
		}
		hashes[alg] = h
		writers = append(writers, h)
	}
	if _, err := io.Copy(io.MultiWriter(writers...), f); err != nil {
		return errors.Annotate(err, "hashing downloaded file").Err()
	}
	for alg, want := range digests {
		h, ok := hashes[alg]
		if !ok {
			continue
		}
		got := hex.EncodeToString(h.Sum(nil))
		if got != want {
			return errors.Reason("%s mismatch for %s: got %s, want %s", alg, path, got, want).
				Tag(isIntegrityMismatch).Err()
		}
	}
	return nil
}

func newHash(alg string) hash.Hash {
	switch alg {
	case "md5":
		return md5.New()
	case "sha1":
		return sha1.New()
	case "sha256":
		return sha256.New()
	case "sha512":
		return sha512.New()
	default:
		return nil
	}
}
