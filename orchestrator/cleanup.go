package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bundlehelper/fingerprint"
	"bundlehelper/manifest"
	"bundlehelper/pattern"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// cleanupStage expands every enabled module's and the manifest's cleanup
// patterns against the live file list, deletes matches leaves-first, runs
// cleanup-commands, then applies the renaming rules.
func cleanupStage(ctx context.Context, deps Deps, parentKey []byte) ([]byte, error) {
	return runStage(ctx, deps, parentKey, "cleanup", func(acc *fingerprint.Accumulator) {
		deps.Manifest.Checksum(acc)
	}, func(ctx context.Context, appDir string) error {
		patterns := collectCleanupPatterns(deps.Manifest, deps.Arch)

		if err := deletePatterns(ctx, deps, appDir, patterns); err != nil {
			return err
		}

		for i, cmd := range deps.Manifest.CleanupCommands {
			if err := deps.Sandbox.Command(ctx, appDir, "", cmd); err != nil {
				return errors.Annotate(err, "cleanup-command #%d failed", i+1).Err()
			}
		}

		if err := applyRenames(ctx, appDir, deps.Manifest); err != nil {
			return err
		}
		return composeAppstream(ctx, deps, appDir)
	})
}

func collectCleanupPatterns(m *manifest.Manifest, arch string) []string {
	var out []string
	out = append(out, m.Cleanup...)
	for _, mod := range manifest.EnabledModules(m.Modules, arch) {
		out = append(out, mod.CleanupPatterns...)
	}
	return out
}

// deletePatterns matches patterns (plus the debug-info ancestor rule) against
// the store's live file list and deletes survivors leaves-first, so a
// directory empties out before anything tries to remove it.
func deletePatterns(ctx context.Context, deps Deps, appDir string, patterns []string) error {
	if len(patterns) == 0 {
		return nil
	}
	files, err := deps.Store.GetFiles()
	if err != nil {
		return errors.Annotate(err, "listing live files for cleanup").Err()
	}

	var matched []string
	for _, f := range files {
		if pattern.MatchAny(patterns, f) {
			matched = append(matched, f)
			continue
		}
		if rel := strings.TrimPrefix(f, "lib/debug/"); rel != f {
			rel = strings.TrimSuffix(rel, ".debug")
			if pattern.AnyAncestorMatches(patterns, rel) {
				matched = append(matched, f)
			}
		}
	}

	sort.Sort(sort.Reverse(sort.StringSlice(matched)))
	for _, f := range matched {
		full := filepath.Join(appDir, f)
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return errors.Annotate(err, "removing %q", f).Err()
		}
		logging.Debugf(ctx, "Cleaned %s", f)
	}
	removeEmptyDirs(appDir)
	return nil
}

// removeEmptyDirs prunes directories left empty by deletePatterns. Errors are
// swallowed: a non-empty directory simply survives.
func removeEmptyDirs(root string) {
	var dirs []string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, d := range dirs {
		os.Remove(d) // no-op if non-empty
	}
}

var recognizedIconExts = stringset.NewFromSlice(".png", ".svg", ".xpm")

// applyRenames implements rename-desktop-file/rename-icon/
// rename-appdata-file/rename-mime-file/appdata-license.
func applyRenames(ctx context.Context, appDir string, m *manifest.Manifest) error {
	if m.RenameDesktopFile != "" {
		renameSingle(ctx, filepath.Join(appDir, "share", "applications"), m.RenameDesktopFile, m.ID, ".desktop")
	}
	if m.RenameAppdataFile != "" {
		renamed := false
		for _, dir := range []string{"share/metainfo", "share/appdata"} {
			if renameSingle(ctx, filepath.Join(appDir, filepath.FromSlash(dir)), m.RenameAppdataFile, m.ID, ".appdata.xml") {
				renamed = true
			}
		}
		if renamed && m.AppdataLicense != "" {
			injectAppdataLicense(ctx, appDir, m.ID, m.AppdataLicense)
		}
	}
	if m.RenameMimeFile != "" {
		renameSingle(ctx, filepath.Join(appDir, "share", "mime", "packages"), m.RenameMimeFile, m.ID, ".xml")
	}
	if m.RenameIcon != "" {
		renameIcons(ctx, filepath.Join(appDir, "share", "icons"), m.RenameIcon, m.ID)
	}
	return nil
}

// renameSingle renames <dir>/<from><ext> to <dir>/<to><ext>, reporting
// whether it found and renamed a file.
func renameSingle(ctx context.Context, dir, from, to, ext string) bool {
	src := filepath.Join(dir, from+ext)
	if _, err := os.Stat(src); err != nil {
		return false
	}
	dst := filepath.Join(dir, to+ext)
	if err := os.Rename(src, dst); err != nil {
		logging.Warningf(ctx, "renaming %s to %s: %s", src, dst, err)
		return false
	}
	logging.Debugf(ctx, "Renamed %s -> %s", src, dst)
	return true
}

// maxIconRenameDepth bounds how deep under share/icons/ a themed icon file
// can sit and still be renamed; a typical hicolor tree is
// icons/<theme>/<size>/apps/foo.png, whose path below icons/ has four
// components, so the bound admits exactly that layout and nothing deeper.
const maxIconRenameDepth = 4

// renameIcons walks iconsRoot and renames every file whose basename (minus
// extension, minus an optional "-symbolic" suffix) equals from, preserving
// that suffix and extension. Files with the right basename but an
// unrecognized extension, or sitting deeper than maxIconRenameDepth, are left
// alone and logged.
func renameIcons(ctx context.Context, iconsRoot, from, to string) {
	filepath.Walk(iconsRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(iconsRoot, path)
		if err != nil {
			return nil
		}
		depth := len(strings.Split(filepath.ToSlash(rel), "/"))
		ext := filepath.Ext(path)
		base := strings.TrimSuffix(filepath.Base(path), ext)
		symbolic := ""
		stem := base
		if strings.HasSuffix(base, "-symbolic") {
			symbolic = "-symbolic"
			stem = strings.TrimSuffix(base, "-symbolic")
		}
		if stem != from {
			return nil
		}
		if !recognizedIconExts.Has(ext) || depth > maxIconRenameDepth {
			logging.Debugf(ctx, "Matched %s on rename-icon but not at depth %d", path, depth)
			return nil
		}
		dst := filepath.Join(filepath.Dir(path), to+symbolic+ext)
		if err := os.Rename(path, dst); err != nil {
			logging.Warningf(ctx, "renaming icon %s: %s", path, err)
			return nil
		}
		logging.Debugf(ctx, "Renamed icon %s -> %s", path, dst)
		return nil
	})
}

// composeAppstream runs the external appstream-compose tool inside the
// sandbox when an appdata/metainfo file for the app id is present and the
// manifest hasn't opted out.
func composeAppstream(ctx context.Context, deps Deps, appDir string) error {
	m := deps.Manifest
	if m.AppstreamCompose != nil && !*m.AppstreamCompose {
		return nil
	}
	found := false
	for _, p := range []string{
		filepath.Join("share", "metainfo", m.ID+".metainfo.xml"),
		filepath.Join("share", "metainfo", m.ID+".appdata.xml"),
		filepath.Join("share", "appdata", m.ID+".appdata.xml"),
	} {
		if _, err := os.Stat(filepath.Join(appDir, p)); err == nil {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	prefix := "/app"
	if m.BuildRuntime {
		prefix = "/usr"
	}
	cmd := "appstream-compose --prefix=" + prefix + " --origin=flatpak --basename=" + m.ID + " " + m.ID
	if err := deps.Sandbox.Command(ctx, appDir, "", cmd); err != nil {
		return errors.Annotate(err, "appstream-compose failed").Err()
	}
	return nil
}

// injectAppdataLicense adds a <project_license> element to the renamed
// appdata file, if one isn't already present.
func injectAppdataLicense(ctx context.Context, appDir, id, license string) {
	for _, dir := range []string{"share/metainfo", "share/appdata"} {
		path := filepath.Join(appDir, filepath.FromSlash(dir), id+".appdata.xml")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		text := string(data)
		if strings.Contains(text, "<project_license>") {
			return
		}
		marker := "</component>"
		idx := strings.LastIndex(text, marker)
		if idx < 0 {
			return
		}
		tag := "  <project_license>" + license + "</project_license>\n"
		text = text[:idx] + tag + text[idx:]
		if err := os.WriteFile(path, []byte(text), 0644); err != nil {
			logging.Warningf(ctx, "writing project_license into %s: %s", path, err)
			return
		}
		return
	}
}
