package source

import (
	"context"
	"path/filepath"

	"bundlehelper/manifest"

	"go.chromium.org/luci/common/errors"
)

// Bundle copies src's already-acquired bytes into destDir, for the
// bundle-sources stage. Archive
// sources copy the downloaded file itself; VCS sources copy their local
// checkout tree; local file/dir/patch sources copy straight from the
// manifest directory. script, shell and extra-data sources have nothing to
// bundle.
func Bundle(ctx context.Context, src *manifest.Source, env Env, destDir string) error {
	switch c := src.Concrete().(type) {
	case *manifest.ArchiveSource:
		basename := c.DestFilename
		if basename == "" {
			basename = filepath.Base(c.URL)
		}
		return copyFile(filepath.Join(archiveDownloadDir(src), basename), filepath.Join(destDir, basename))
	case *manifest.GitSource:
		return copyTree(localCheckoutDir(env, c.URL), destDir)
	case *manifest.BzrSource:
		return copyTree(localCheckoutDir(env, c.URL), destDir)
	case *manifest.SvnSource:
		return copyTree(localCheckoutDir(env, c.URL), destDir)
	case *manifest.FileSource:
		return copyFile(resolveLocal(env, c.Path), filepath.Join(destDir, filepath.Base(c.Path)))
	case *manifest.DirSource:
		return extractDir(c, resolveLocal(env, c.Path), destDir)
	case *manifest.PatchSource:
		return copyFile(resolveLocal(env, c.Path), filepath.Join(destDir, filepath.Base(c.Path)))
	case *manifest.ScriptSource, *manifest.ShellSource, *manifest.ExtraDataSource:
		return nil
	default:
		return errors.Reason("unsupported source kind %q for bundling", src.Kind()).Err()
	}
}
