package orchestrator

import (
	"os"
	"path/filepath"
	"strings"

	"bundlehelper/manifest"

	"gopkg.in/ini.v1"
)

// writeMetadataFile synthesizes the `metadata` INI output file:
// `[Application]`/`[Runtime]`, `[Build] built-extensions`, and (for an
// extension build) `[ExtensionOf]`.
func writeMetadataFile(appDir string, m *manifest.Manifest, builtExtensions []string) error {
	cfg := ini.Empty()

	sectionName := "Application"
	if m.BuildRuntime {
		sectionName = "Runtime"
	}
	sec, err := cfg.NewSection(sectionName)
	if err != nil {
		return err
	}
	sec.NewKey("name", m.ID)
	sec.NewKey("runtime", m.Runtime+"/"+placeholderArch+"/"+m.RuntimeVersion)
	if !m.BuildRuntime {
		sec.NewKey("sdk", m.SDK+"/"+placeholderArch+"/"+m.RuntimeVersion)
	}
	if m.Command != "" {
		sec.NewKey("command", m.Command)
	}
	if len(m.Tags) > 0 {
		sec.NewKey("tags", strings.Join(m.Tags, ";")+";")
	}

	for name, ext := range m.AddExtensions {
		extSec, err := cfg.NewSection("Extension " + name)
		if err != nil {
			return err
		}
		extSec.NewKey("directory", ext.Directory)
		if ext.Version != "" {
			extSec.NewKey("version", ext.Version)
		}
		if len(ext.Versions) > 0 {
			extSec.NewKey("versions", strings.Join(ext.Versions, ";"))
		}
		if ext.AddLdPath != "" {
			extSec.NewKey("add-ld-path", ext.AddLdPath)
		}
		extSec.NewKey("subdirectories", boolStr(ext.Subdirectories))
		extSec.NewKey("no-autodownload", boolStr(ext.NoAutodownload))
		extSec.NewKey("autodelete", boolStr(ext.Autodelete))
	}

	if len(builtExtensions) > 0 {
		buildSec, err := cfg.NewSection("Build")
		if err != nil {
			return err
		}
		buildSec.NewKey("built-extensions", strings.Join(builtExtensions, ";"))
	}

	if m.BuildExtension {
		extOf, err := cfg.NewSection("ExtensionOf")
		if err != nil {
			return err
		}
		extOf.NewKey("ref", "runtime/"+m.Runtime+"/"+placeholderArch+"/"+m.RuntimeVersion)
	}

	return cfg.SaveTo(filepath.Join(appDir, "metadata"))
}

// placeholderArch is substituted into metadata refs when the arch component
// of a ref string is conventionally host-resolved rather than pinned.
// Nothing in this repository assigns it another value.
var placeholderArch = "*"

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// writeSubMetadata synthesizes one of the sub-extension manifests
// (`metadata.locale`, `metadata.debuginfo`, `metadata.<ext>`): a minimal
// `[ExtensionOf]` file pointing back at the main ref.
func writeSubMetadata(appDir, suffix string, m *manifest.Manifest) error {
	cfg := ini.Empty()
	sec, err := cfg.NewSection("ExtensionOf")
	if err != nil {
		return err
	}
	kind := "app"
	if m.BuildRuntime {
		kind = "runtime"
	}
	sec.NewKey("ref", kind+"/"+m.ID+"/"+placeholderArch+"/"+m.RuntimeVersion)
	sec.NewKey("metadata", "metadata."+suffix)
	return cfg.SaveTo(filepath.Join(appDir, "metadata."+suffix))
}

// writeManifestProvenance copies the original manifest text into appDir at
// the finished tree, moving any previous copy aside.
func writeManifestProvenance(appDir string, m *manifest.Manifest, manifestPath string) error {
	dest := "files/manifest.json"
	if m.BuildRuntime {
		dest = "usr/manifest.json"
	}
	full := filepath.Join(appDir, filepath.FromSlash(dest))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	if _, err := os.Stat(full); err == nil {
		if err := archiveExisting(full); err != nil {
			return err
		}
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return err
	}
	return os.WriteFile(full, data, 0644)
}

func archiveExisting(full string) error {
	dir := filepath.Dir(full)
	for n := 0; ; n++ {
		candidate := filepath.Join(dir, "manifest-base-"+itoa(n)+".json")
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return os.Rename(full, candidate)
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
