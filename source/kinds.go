package source

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"bundlehelper/manifest"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// extractArchive extracts the archive downloaded for src into dest via the
// external `tar`/`unzip` tool (archive extractors are an
// external collaborator, never reimplemented). Format is inferred from the
// basename extension, same approach the sandbox driver family uses.
func extractArchive(ctx context.Context, src *manifest.Source, c *manifest.ArchiveSource, dest string) error {
	basename := c.DestFilename
	if basename == "" {
		basename = filepath.Base(c.URL)
	}
	archivePath := filepath.Join(archiveDownloadDir(src), basename)

	var err error
	switch {
	case strings.HasSuffix(basename, ".zip"):
		err = runCmd(ctx, "", "unzip", "-q", "-o", archivePath, "-d", dest)
	case strings.HasSuffix(basename, ".tar.gz"), strings.HasSuffix(basename, ".tgz"),
		strings.HasSuffix(basename, ".tar.bz2"), strings.HasSuffix(basename, ".tar.xz"),
		strings.HasSuffix(basename, ".tar"):
		args := []string{"-xf", archivePath, "-C", dest}
		if c.StripComponents > 0 {
			args = append(args, "--strip-components", strconv.Itoa(c.StripComponents))
		}
		err = runCmd(ctx, "", "tar", args...)
	case strings.HasSuffix(basename, ".rpm"):
		err = runCmd(ctx, dest, "sh", "-c", "rpm2cpio "+shellQuote(archivePath)+" | cpio -idm")
	case strings.HasSuffix(basename, ".7z"):
		err = runCmd(ctx, "", "7z", "x", "-o"+dest, archivePath)
	default:
		return errors.Reason("unrecognized archive extension for %q", basename).Err()
	}
	if err != nil {
		return errors.Annotate(err, "extracting %q", archivePath).Err()
	}
	if c.GitInit {
		if err := runCmd(ctx, dest, "git", "init"); err != nil {
			return errors.Annotate(err, "git-init after archive extract").Err()
		}
		if err := runCmd(ctx, dest, "git", "add", "-A"); err != nil {
			return errors.Annotate(err, "git-init after archive extract").Err()
		}
	}
	return nil
}

// archiveDownloadDir mirrors the directory Download() used for this source,
// so extraction finds the same file.
func archiveDownloadDir(src *manifest.Source) string {
	return filepath.Join(downloadsRootHint, primaryDigestDir(src))
}

// downloadsRootHint is overwritten by callers that extract in a different
// process invocation than the one that downloaded; buildmodule always sets
// this via SetDownloadsRoot before extracting archive sources.
var downloadsRootHint string

// SetDownloadsRoot records the state directory's downloads/ path so
// extractArchive can find files Fetch already placed there.
func SetDownloadsRoot(dir string) { downloadsRootHint = dir }

func extractGit(ctx context.Context, g *manifest.GitSource, env Env, dest string) error {
	return copyTree(localCheckoutDir(env, g.URL), dest)
}

func applyPatch(ctx context.Context, p *manifest.PatchSource, patchPath, buildDir string) error {
	args := []string{"-p" + strconv.Itoa(p.PNum)}
	args = append(args, p.Options...)
	args = append(args, "-i", patchPath)
	if err := runCmd(ctx, buildDir, "patch", args...); err != nil {
		return errors.Annotate(err, "applying patch %q", patchPath).Err()
	}
	return nil
}

func runShell(ctx context.Context, s *manifest.ShellSource, env Env) error {
	if env.Sandbox == nil {
		return errors.Reason("shell source requires a sandbox runner").Err()
	}
	for _, cmd := range s.Commands {
		logging.Infof(ctx, "Running shell command: %s", cmd)
		if err := env.Sandbox.Command(ctx, env.AppDir, env.BuildDir, cmd); err != nil {
			return errors.Annotate(err, "shell source command failed").Err()
		}
	}
	return nil
}

func writeScript(s *manifest.ScriptSource, dest string) error {
	name := s.DestFilename
	if name == "" {
		name = "script"
	}
	body := strings.Join(s.Lines, "\n") + "\n"
	return errors.Annotate(os.WriteFile(filepath.Join(dest, name), []byte(body), 0755), "writing script source").Err()
}

func extractDir(d *manifest.DirSource, src, dest string) error {
	matcher := newSkipMatcher(d.Skip)
	return copyTreeFiltered(src, dest, func(rel string, isDir bool) bool {
		return matcher.match(rel, isDir)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Annotate(err, "opening %q", src).Err()
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return errors.Annotate(err, "creating %q", dest).Err()
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return errors.Annotate(err, "copying %q to %q", src, dest).Err()
	}
	info, err := in.Stat()
	if err == nil {
		os.Chmod(dest, info.Mode())
	}
	return nil
}

func copyTree(src, dest string) error {
	return copyTreeFiltered(src, dest, func(string, bool) bool { return false })
}

// copyTreeFiltered recursively copies src into dest, skipping any entry for
// which skip(relPath, isDir) returns true.
func copyTreeFiltered(src, dest string, skip func(rel string, isDir bool) bool) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dest, 0755)
		}
		if strings.HasPrefix(rel, ".git"+string(filepath.Separator)) || rel == ".git" {
			return skipDir(info)
		}
		if skip(rel, info.IsDir()) {
			return skipDir(info)
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(path, target)
	})
}

func skipDir(info os.FileInfo) error {
	if info.IsDir() {
		return filepath.SkipDir
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// scanLines splits r into lines without pulling in extra deps. Nothing in
// the package calls it at present.
func scanLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out, sc.Err()
}
