package manifest

import (
	"encoding/json"

	"bundlehelper/fingerprint"

	"go.chromium.org/luci/common/errors"
)

// SourceKind is the discriminator of the Source tagged union.
type SourceKind string

const (
	KindArchive   SourceKind = "archive"
	KindGit       SourceKind = "git"
	KindFile      SourceKind = "file"
	KindDir       SourceKind = "dir"
	KindPatch     SourceKind = "patch"
	KindShell     SourceKind = "shell"
	KindScript    SourceKind = "script"
	KindBzr       SourceKind = "bzr"
	KindSvn       SourceKind = "svn"
	KindExtraData SourceKind = "extra-data"
)

// ConcreteSource is implemented by each *Source struct below.
//
// Sources are a tagged variant dispatched through a single
// capability-set table rather than a class hierarchy; this interface is
// that table's shape restricted to what the manifest package itself owns
// (identity and cache-key contribution). download/extract/bundle/finish
// live in package source, which type-switches on Kind().
type ConcreteSource interface {
	Kind() SourceKind
	// Checksum feeds this source's kind, URLs, digests, dest path and
	// kind-specific parameters into acc in a fixed order.
	Checksum(acc *fingerprint.Accumulator)
}

// Source is one entry in a Module's Sources list.
//
// It is a "case class" over the ten source kinds: exactly one of the
// embedded structs below is populated, selected by the "type" field on the
// wire. Dest and Mirrors/Checksums are common to (almost) every kind.
type Source struct {
	Dest      string            `json:"dest,omitempty"`
	Mirrors   []string          `json:"mirror-urls,omitempty"`
	Checksums map[string]string `json:"-"` // populated from kind-specific digest fields

	Archive   *ArchiveSource   `json:"-"`
	Git       *GitSource       `json:"-"`
	File      *FileSource      `json:"-"`
	Dir       *DirSource       `json:"-"`
	Patch     *PatchSource     `json:"-"`
	Shell     *ShellSource     `json:"-"`
	Script    *ScriptSource    `json:"-"`
	Bzr       *BzrSource       `json:"-"`
	Svn       *SvnSource       `json:"-"`
	ExtraData *ExtraDataSource `json:"-"`

	concrete ConcreteSource
}

// Concrete returns the populated kind-specific struct.
func (s *Source) Concrete() ConcreteSource { return s.concrete }

// Kind returns the discriminator of the populated variant.
func (s *Source) Kind() SourceKind { return s.concrete.Kind() }

// Checksum delegates to the concrete variant, then mixes in the fields
// common to all kinds (dest, mirrors, digests), in that fixed order.
func (s *Source) Checksum(acc *fingerprint.Accumulator) {
	acc.String(string(s.Kind()))
	s.concrete.Checksum(acc)
	acc.CompatString(s.Dest)
	acc.CompatStrv(s.Mirrors)
	for _, alg := range []string{"md5", "sha1", "sha256", "sha512"} {
		acc.CompatString(s.Checksums[alg])
	}
}

// sourceWire mirrors the on-the-wire shape of a source entry: the common
// fields plus every kind-specific field, all optional. It is decoded once
// and then redistributed into the appropriate kind struct.
type sourceWire struct {
	Type SourceKind `json:"type"`

	Dest    string   `json:"dest,omitempty"`
	Mirrors []string `json:"mirror-urls,omitempty"`

	MD5    string `json:"md5,omitempty"`
	Sha1   string `json:"sha1,omitempty"`
	Sha256 string `json:"sha256,omitempty"`
	Sha512 string `json:"sha512,omitempty"`

	// archive (url and dest-filename are shared with the kinds below;
	// encoding/json drops both fields of a duplicated tag, so each key
	// appears once)
	URL              string `json:"url,omitempty"`
	StripComponents  *int   `json:"strip-components,omitempty"`
	DestFilename     string `json:"dest-filename,omitempty"`
	ArchiveGitInit   bool   `json:"archive-git-init,omitempty"`

	// git / bzr / svn
	Branch            string `json:"branch,omitempty"`
	Tag               string `json:"tag,omitempty"`
	Commit            string `json:"commit,omitempty"`
	DisableFsckObjects bool   `json:"disable-fsckobjects,omitempty"`
	DisableSubmodules  bool   `json:"disable-submodules,omitempty"`
	DisableShallowClone bool  `json:"disable-shallow-clone,omitempty"`

	// file / patch / dir
	Path        string   `json:"path,omitempty"`
	PatchPNum   *int     `json:"patch-p-num,omitempty"`
	PatchOpts   []string `json:"options,omitempty"`
	UseGitAm    bool     `json:"use-git-am,omitempty"`
	SkipPatterns []string `json:"skip,omitempty"`

	// shell
	Commands []string `json:"commands,omitempty"`

	// script
	Script      []string `json:"script,omitempty"`

	// extra-data (sha256 and url come from the shared fields above)
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// UnmarshalJSON implements the tagged-union dispatch for Source.
func (s *Source) UnmarshalJSON(data []byte) error {
	var w sourceWire
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Annotate(err, "bad source").Err()
	}
	s.Dest = w.Dest
	s.Mirrors = w.Mirrors
	s.Checksums = map[string]string{}
	if w.MD5 != "" {
		s.Checksums["md5"] = w.MD5
	}
	if w.Sha1 != "" {
		s.Checksums["sha1"] = w.Sha1
	}
	if w.Sha256 != "" {
		s.Checksums["sha256"] = w.Sha256
	}
	if w.Sha512 != "" {
		s.Checksums["sha512"] = w.Sha512
	}

	switch w.Type {
	case KindArchive:
		s.Archive = &ArchiveSource{
			URL: w.URL, StripComponents: intOr(w.StripComponents, 0),
			DestFilename: w.DestFilename, GitInit: w.ArchiveGitInit,
		}
		s.concrete = s.Archive
	case KindGit:
		s.Git = &GitSource{
			URL: w.URL, Branch: w.Branch, Tag: w.Tag, Commit: w.Commit,
			DisableFsckObjects: w.DisableFsckObjects, DisableSubmodules: w.DisableSubmodules,
			DisableShallowClone: w.DisableShallowClone,
		}
		s.concrete = s.Git
	case KindFile:
		s.File = &FileSource{Path: w.Path}
		s.concrete = s.File
	case KindDir:
		s.Dir = &DirSource{Path: w.Path, Skip: w.SkipPatterns}
		s.concrete = s.Dir
	case KindPatch:
		s.Patch = &PatchSource{Path: w.Path, PNum: intOr(w.PatchPNum, 1), Options: w.PatchOpts, UseGitAm: w.UseGitAm}
		s.concrete = s.Patch
	case KindShell:
		s.Shell = &ShellSource{Commands: w.Commands}
		s.concrete = s.Shell
	case KindScript:
		s.Script = &ScriptSource{Lines: w.Script, DestFilename: w.DestFilename}
		s.concrete = s.Script
	case KindBzr:
		s.Bzr = &BzrSource{URL: w.URL, Commit: w.Commit}
		s.concrete = s.Bzr
	case KindSvn:
		s.Svn = &SvnSource{URL: w.URL, Commit: w.Commit}
		s.concrete = s.Svn
	case KindExtraData:
		s.ExtraData = &ExtraDataSource{Filename: w.Filename, Size: w.Size, Sha256: w.Sha256, URL: w.URL}
		s.concrete = s.ExtraData
	default:
		return errors.Reason("unknown source type %q", w.Type).Err()
	}
	return nil
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// --- kind-specific structs -------------------------------------------------

// ArchiveSource downloads and extracts a tar/zip/rpm/7z-family archive.
type ArchiveSource struct {
	URL             string
	StripComponents int
	DestFilename    string
	GitInit         bool
}

func (s *ArchiveSource) Kind() SourceKind { return KindArchive }
func (s *ArchiveSource) Checksum(acc *fingerprint.Accumulator) {
	acc.String(s.URL)
	acc.Uint32(uint32(s.StripComponents))
	acc.CompatString(s.DestFilename)
	acc.CompatBool(s.GitInit)
}

// GitSource clones/fetches a git repository.
type GitSource struct {
	URL                 string
	Branch              string
	Tag                 string
	Commit              string
	DisableFsckObjects  bool
	DisableSubmodules   bool
	DisableShallowClone bool
}

func (s *GitSource) Kind() SourceKind { return KindGit }
func (s *GitSource) Checksum(acc *fingerprint.Accumulator) {
	acc.String(s.URL)
	acc.CompatString(s.Branch)
	acc.CompatString(s.Tag)
	acc.CompatString(s.Commit)
	acc.CompatBool(s.DisableFsckObjects)
	acc.CompatBool(s.DisableSubmodules)
	acc.CompatBool(s.DisableShallowClone)
}

// FileSource copies a single local file into dest.
type FileSource struct {
	Path string
}

func (s *FileSource) Kind() SourceKind { return KindFile }
func (s *FileSource) Checksum(acc *fingerprint.Accumulator) {
	acc.String(s.Path)
}

// DirSource recursively copies a local directory, honoring Skip patterns.
type DirSource struct {
	Path string
	Skip []string
}

func (s *DirSource) Kind() SourceKind { return KindDir }
func (s *DirSource) Checksum(acc *fingerprint.Accumulator) {
	acc.String(s.Path)
	acc.CompatStrv(s.Skip)
}

// PatchSource applies a patch file at extract time.
type PatchSource struct {
	Path     string
	PNum     int
	Options  []string
	UseGitAm bool
}

func (s *PatchSource) Kind() SourceKind { return KindPatch }
func (s *PatchSource) Checksum(acc *fingerprint.Accumulator) {
	acc.String(s.Path)
	acc.Uint32(uint32(s.PNum))
	acc.CompatStrv(s.Options)
	acc.CompatBool(s.UseGitAm)
}

// ShellSource runs commands via /bin/sh -c inside the sandbox at extract time.
type ShellSource struct {
	Commands []string
}

func (s *ShellSource) Kind() SourceKind { return KindShell }
func (s *ShellSource) Checksum(acc *fingerprint.Accumulator) {
	acc.StringList(s.Commands)
}

// ScriptSource materializes a script file at DestFilename.
type ScriptSource struct {
	Lines        []string
	DestFilename string
}

func (s *ScriptSource) Kind() SourceKind { return KindScript }
func (s *ScriptSource) Checksum(acc *fingerprint.Accumulator) {
	acc.StringList(s.Lines)
	acc.CompatString(s.DestFilename)
}

// BzrSource is the Bazaar VCS equivalent of GitSource.
type BzrSource struct {
	URL    string
	Commit string
}

func (s *BzrSource) Kind() SourceKind { return KindBzr }
func (s *BzrSource) Checksum(acc *fingerprint.Accumulator) {
	acc.String(s.URL)
	acc.CompatString(s.Commit)
}

// SvnSource is the Subversion equivalent of GitSource.
type SvnSource struct {
	URL    string
	Commit string
}

func (s *SvnSource) Kind() SourceKind { return KindSvn }
func (s *SvnSource) Checksum(acc *fingerprint.Accumulator) {
	acc.String(s.URL)
	acc.CompatString(s.Commit)
}

// ExtraDataSource is a metadata-only source: describes a large file that is
// downloaded at app install time rather than at build time. It contributes
// a `--extra-data=` finish arg.
type ExtraDataSource struct {
	Filename string
	Size     int64
	Sha256   string
	URL      string
}

func (s *ExtraDataSource) Kind() SourceKind { return KindExtraData }
func (s *ExtraDataSource) Checksum(acc *fingerprint.Accumulator) {
	acc.String(s.Filename)
	acc.Uint64(uint64(s.Size))
	acc.String(s.Sha256)
	acc.String(s.URL)
}

// FinishArg returns the --extra-data= flatpak finish-args line for this
// source. dest is the owning Source's optional destination subdirectory,
// appended as a trailing :<dest> component when set.
func (s *ExtraDataSource) FinishArg(dest string) string {
	arg := "--extra-data=" + s.Filename + ":" + itoa(s.Size) + ":" + s.Sha256 + ":" + s.URL
	if dest != "" {
		arg += ":" + dest
	}
	return arg
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
