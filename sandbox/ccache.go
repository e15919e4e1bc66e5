package sandbox

import (
	"os"
	"os/exec"
	"path/filepath"

	"go.chromium.org/luci/common/errors"
)

// SetupCCache prepares the compiler-cache tree under the state directory:
// ccache/bin/ holds cc/c++/gcc/g++ symlinks to the host's ccache binary,
// and ccache/disabled/ccache.conf carries a
// "disable = true" marker the sandbox points CCACHE_DIR at when caching is
// off. Returns the ccache dir to set on Runner.CCacheDir, or "" when the
// ccache binary isn't installed (caching silently disabled, never an error).
func SetupCCache(stateDir string) (string, error) {
	ccacheDir := filepath.Join(stateDir, "ccache")
	disabledDir := filepath.Join(ccacheDir, "disabled")
	if err := os.MkdirAll(disabledDir, 0755); err != nil {
		return "", errors.Annotate(err, "creating %q", disabledDir).Err()
	}
	conf := filepath.Join(disabledDir, "ccache.conf")
	if err := os.WriteFile(conf, []byte("disable = true\n"), 0644); err != nil {
		return "", errors.Annotate(err, "writing %q", conf).Err()
	}

	ccacheBin, err := exec.LookPath("ccache")
	if err != nil {
		return "", nil
	}

	binDir := filepath.Join(ccacheDir, "bin")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return "", errors.Annotate(err, "creating %q", binDir).Err()
	}
	for _, name := range []string{"cc", "c++", "gcc", "g++"} {
		link := filepath.Join(binDir, name)
		if _, err := os.Lstat(link); err == nil {
			continue
		}
		if err := os.Symlink(ccacheBin, link); err != nil {
			return "", errors.Annotate(err, "symlinking %q", link).Err()
		}
	}
	return ccacheDir, nil
}
