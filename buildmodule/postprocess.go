package buildmodule

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// isELF reports whether path looks like an ELF binary, by magic bytes.
func isELF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var buf [4]byte
	n, _ := f.Read(buf[:])
	return n == 4 && bytes.Equal(buf[:], elfMagic)
}

// FixPythonTimestamps normalizes every .pyc's mtime to match its source
// .py, so rebuilds from identical sources are bit-for-bit deterministic.
func FixPythonTimestamps(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, ".pyc") {
			return nil
		}
		py := strings.TrimSuffix(path, "c")
		info, err := os.Stat(py)
		if err != nil {
			return nil // source .py missing: leave the .pyc alone
		}
		return os.Chtimes(path, info.ModTime(), info.ModTime())
	})
}

// stripBinaries runs the external `strip` tool over every ELF file under root,
// when stripping is requested.
func stripBinaries(ctx context.Context, root string) error {
	return walkELF(root, func(path string) error {
		cmd := exec.CommandContext(ctx, "strip", "--strip-unneeded", path)
		if out, err := cmd.CombinedOutput(); err != nil {
			return errors.Annotate(err, "strip %q: %s", path, out).Err()
		}
		return nil
	})
}

// extractDebugInfo splits debug symbols out of every ELF file under root
// into lib/debug/<path>.debug via the external `objcopy` tool, optionally
// compressing its debug sections (objcopy --compress-debug-sections).
func extractDebugInfo(ctx context.Context, root string, compress bool) error {
	return walkELF(root, func(path string) error {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if strings.HasPrefix(rel, "lib/debug"+string(filepath.Separator)) {
			return nil // already a debug file
		}
		debugPath := filepath.Join(root, "lib", "debug", rel+".debug")
		if err := os.MkdirAll(filepath.Dir(debugPath), 0755); err != nil {
			return err
		}
		if out, err := exec.CommandContext(ctx, "objcopy", "--only-keep-debug", path, debugPath).CombinedOutput(); err != nil {
			return errors.Annotate(err, "objcopy --only-keep-debug %q: %s", path, out).Err()
		}
		if out, err := exec.CommandContext(ctx, "objcopy", "--add-gnu-debuglink="+debugPath, path).CombinedOutput(); err != nil {
			return errors.Annotate(err, "objcopy --add-gnu-debuglink %q: %s", path, out).Err()
		}
		if out, err := exec.CommandContext(ctx, "strip", "--strip-debug", path).CombinedOutput(); err != nil {
			return errors.Annotate(err, "strip --strip-debug %q: %s", path, out).Err()
		}
		if compress {
			if out, err := exec.CommandContext(ctx, "objcopy", "--compress-debug-sections", debugPath).CombinedOutput(); err != nil {
				return errors.Annotate(err, "objcopy --compress-debug-sections %q: %s", debugPath, out).Err()
			}
		}
		return nil
	})
}

func walkELF(root string, fn func(path string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !isELF(path) {
			return nil
		}
		return fn(path)
	})
}

// MigrateLocales moves share/locale to share/runtime/locale under root.
func MigrateLocales(ctx context.Context, root string) error {
	src := filepath.Join(root, "share", "locale")
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dst := filepath.Join(root, "share", "runtime", "locale")
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	logging.Debugf(ctx, "Migrating %s -> %s", src, dst)
	return errors.Annotate(os.Rename(src, dst), "migrating locales").Err()
}
