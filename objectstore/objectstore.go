// Package objectstore implements the content-addressed object store and
// commit log: an ordered log of named commits on top of a
// content-addressed filesystem, each commit a full snapshot of a directory
// tree (the "app tree") at the moment it was taken.
package objectstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.etcd.io/bbolt"
)

// isCacheCorruption tags errors from inability to open or commit to the
// object store.
var isCacheCorruption = errors.BoolTag{Key: errors.NewTagKey("cache corruption")}

func IsCacheCorruption(err error) bool { return isCacheCorruption.In(err) }

var commitsBucket = []byte("commits")
var headsBucket = []byte("heads")

// CacheEntry is a (key, parent-key, committed tree snapshot, recorded body
// text) record.
type CacheEntry struct {
	Key       string   `json:"key"`
	ParentKey string   `json:"parent_key,omitempty"`
	Body      string    `json:"body"`
	Files     []string `json:"files"` // sorted relative paths, snapshot's full file list
}

// ChangeSet is the ordered set of relative paths added, modified or removed
// relative to the parent commit.
type ChangeSet struct {
	Added    []string
	Modified []string
	Removed  []string
}

// All returns Added+Modified+Removed as a single ordered slice, the shape
// modules and the platform-copy step consume.
func (c ChangeSet) All() []string {
	out := make([]string, 0, len(c.Added)+len(c.Modified)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Modified...)
	out = append(out, c.Removed...)
	sort.Strings(out)
	return out
}

// Store is the object store / commit log for one logical branch.
type Store struct {
	db       *bbolt.DB
	objDir   string
	branch   string
	treeRoot string // the live directory this store snapshots/restores
}

// Open initializes or attaches to the object store rooted at dir, snapshotting
// and restoring treeRoot.
func Open(dir, branch, treeRoot string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Annotate(err, "creating object store dir").Tag(isCacheCorruption).Err()
	}
	objDir := filepath.Join(dir, "objects")
	if err := os.MkdirAll(objDir, 0755); err != nil {
		return nil, errors.Annotate(err, "creating objects dir").Tag(isCacheCorruption).Err()
	}
	db, err := bbolt.Open(filepath.Join(dir, "commits.db"), 0644, nil)
	if err != nil {
		return nil, errors.Annotate(err, "opening commit log").Tag(isCacheCorruption).Err()
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(commitsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(headsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Annotate(err, "initializing commit log buckets").Tag(isCacheCorruption).Err()
	}
	return &Store{db: db, objDir: objDir, branch: branch, treeRoot: treeRoot}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// head returns the current HEAD commit key for this branch, or "" if none.
func (s *Store) head() (string, error) {
	var key string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(headsBucket).Get([]byte(s.branch))
		if v != nil {
			key = string(v)
		}
		return nil
	})
	return key, err
}

func (s *Store) setHead(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(headsBucket).Put([]byte(s.branch), []byte(key))
	})
}

func (s *Store) getEntry(key string) (*CacheEntry, error) {
	var entry *CacheEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(commitsBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		entry = &CacheEntry{}
		return json.Unmarshal(v, entry)
	})
	return entry, err
}

// Lookup checks whether a commit bound to key already exists. On a hit, the
// working tree is fast-forwarded to that commit's snapshot.
func (s *Store) Lookup(key string) (hit bool, err error) {
	entry, err := s.getEntry(key)
	if err != nil {
		return false, errors.Annotate(err, "looking up cache key").Tag(isCacheCorruption).Err()
	}
	if entry == nil {
		return false, nil
	}
	if err := s.restoreSnapshot(key); err != nil {
		return false, errors.Annotate(err, "restoring cached snapshot").Tag(isCacheCorruption).Err()
	}
	if err := s.setHead(key); err != nil {
		return false, err
	}
	return true, nil
}

// Commit snapshots the current tree under key, with body as the free-text
// commit message, chaining the current HEAD as the parent. Atomic via
// temp-and-rename.
func (s *Store) Commit(key, body string) error {
	parent, err := s.head()
	if err != nil {
		return err
	}

	files, err := enumerateFiles(s.treeRoot)
	if err != nil {
		return errors.Annotate(err, "enumerating tree for commit").Err()
	}

	if err := s.snapshotTree(key, files); err != nil {
		return errors.Annotate(err, "snapshotting tree").Tag(isCacheCorruption).Err()
	}

	entry := CacheEntry{Key: key, ParentKey: parent, Body: body, Files: files}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(commitsBucket).Put([]byte(key), raw)
	}); err != nil {
		return errors.Annotate(err, "recording commit").Tag(isCacheCorruption).Err()
	}
	return s.setHead(key)
}

// GetChanges enumerates additions+modifications relative to the parent
// commit of the current HEAD.
func (s *Store) GetChanges() (ChangeSet, error) {
	head, err := s.head()
	if err != nil || head == "" {
		return ChangeSet{}, err
	}
	entry, err := s.getEntry(head)
	if err != nil || entry == nil {
		return ChangeSet{}, err
	}
	return s.diff(entry.ParentKey, head, entry.Files, false)
}

// GetAllChanges is GetChanges plus deletions.
func (s *Store) GetAllChanges() (ChangeSet, error) {
	head, err := s.head()
	if err != nil || head == "" {
		return ChangeSet{}, err
	}
	entry, err := s.getEntry(head)
	if err != nil || entry == nil {
		return ChangeSet{}, err
	}
	return s.diff(entry.ParentKey, head, entry.Files, true)
}

func (s *Store) diff(parentKey, curKey string, curFiles []string, includeRemovals bool) (ChangeSet, error) {
	var parentFiles []string
	if parentKey != "" {
		parent, err := s.getEntry(parentKey)
		if err != nil {
			return ChangeSet{}, err
		}
		if parent != nil {
			parentFiles = parent.Files
		}
	}
	parentSet := toSet(parentFiles)
	curSet := toSet(curFiles)

	var cs ChangeSet
	for _, f := range curFiles {
		if !parentSet[f] {
			cs.Added = append(cs.Added, f)
			continue
		}
		// Present in both commits: a path whose content was rewritten in
		// place still counts as a change.
		same, err := sameContent(
			filepath.Join(s.objDir, parentKey, filepath.FromSlash(f)),
			filepath.Join(s.objDir, curKey, filepath.FromSlash(f)))
		if err != nil {
			return ChangeSet{}, errors.Annotate(err, "comparing %q across commits", f).Tag(isCacheCorruption).Err()
		}
		if !same {
			cs.Modified = append(cs.Modified, f)
		}
	}
	if includeRemovals {
		for _, f := range parentFiles {
			if !curSet[f] {
				cs.Removed = append(cs.Removed, f)
			}
		}
	}
	sort.Strings(cs.Added)
	sort.Strings(cs.Modified)
	sort.Strings(cs.Removed)
	return cs, nil
}

// sameContent reports whether the two snapshot files hold identical bytes,
// comparing sizes before falling back to a content hash.
func sameContent(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	if ai.Size() != bi.Size() {
		return false, nil
	}
	ah, err := fileDigest(a)
	if err != nil {
		return false, err
	}
	bh, err := fileDigest(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ah, bh), nil
}

func fileDigest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func toSet(files []string) map[string]bool {
	m := make(map[string]bool, len(files))
	for _, f := range files {
		m[f] = true
	}
	return m
}

// GetFiles returns all live paths in the current commit, ordered.
func (s *Store) GetFiles() ([]string, error) {
	head, err := s.head()
	if err != nil || head == "" {
		return nil, err
	}
	entry, err := s.getEntry(head)
	if err != nil || entry == nil {
		return nil, err
	}
	return entry.Files, nil
}

func enumerateFiles(root string) ([]string, error) {
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	sort.Strings(out)
	return out, err
}

// snapshotTree copies treeRoot's current files into objDir/<key>/ via
// temp-and-rename so a crash mid-copy never leaves a partial commit visible
// under its final name.
func (s *Store) snapshotTree(key string, files []string) error {
	final := filepath.Join(s.objDir, key)
	if _, err := os.Stat(final); err == nil {
		return nil // already snapshotted (e.g. re-commit of identical content)
	}
	tmp := final + ".tmp-" + strings.ReplaceAll(key, "/", "_")
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return err
	}
	for _, rel := range files {
		src := filepath.Join(s.treeRoot, rel)
		dst := filepath.Join(tmp, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if err := copyFilePreservingMode(src, dst); err != nil {
			return err
		}
	}
	return os.Rename(tmp, final)
}

// restoreSnapshot replaces treeRoot's contents with the snapshot recorded
// under key.
func (s *Store) restoreSnapshot(key string) error {
	snap := filepath.Join(s.objDir, key)
	if err := os.RemoveAll(s.treeRoot); err != nil {
		return err
	}
	if err := os.MkdirAll(s.treeRoot, 0755); err != nil {
		return err
	}
	return filepath.Walk(snap, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(snap, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		dst := filepath.Join(s.treeRoot, rel)
		if info.IsDir() {
			return os.MkdirAll(dst, 0755)
		}
		return copyFilePreservingMode(path, dst)
	})
}

func copyFilePreservingMode(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
