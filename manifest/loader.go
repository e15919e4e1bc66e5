package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"go.chromium.org/luci/common/errors"
)

// isYAMLPath reports whether path's extension marks it as a YAML manifest
// or include file, which is accepted as an alternate front-end syntax for
// the same underlying JSON schema.
func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// readManifestBytes reads path and, if it is a YAML file, re-encodes it to
// the JSON form the rest of this package decodes. yaml.v2 unmarshals maps
// as map[interface{}]interface{}, which encoding/json cannot marshal, so
// the result is walked and converted to map[string]interface{} first.
func readManifestBytes(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !isYAMLPath(path) {
		return raw, nil
	}
	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Annotate(err, "parsing YAML manifest %q", path).Err()
	}
	converted, err := jsonifyYAML(doc)
	if err != nil {
		return nil, errors.Annotate(err, "converting YAML manifest %q to JSON", path).Err()
	}
	out, err := json.Marshal(converted)
	if err != nil {
		return nil, errors.Annotate(err, "re-encoding YAML manifest %q", path).Err()
	}
	return out, nil
}

// jsonifyYAML recursively replaces map[interface{}]interface{} (yaml.v2's
// native map representation) with map[string]interface{} so the result can
// be passed to encoding/json.
func jsonifyYAML(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprintf("%v", k)
			}
			converted, err := jsonifyYAML(elem)
			if err != nil {
				return nil, err
			}
			out[key] = converted
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			converted, err := jsonifyYAML(elem)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return val, nil
	}
}

// Load reads and fully resolves the manifest rooted at path, including all
// recursive "modules"/"sources" file includes.
//
// The including file's directory is threaded through explicitly as a
// parameter of this loader, not stashed in a package-level variable, so
// nested includes resolve their relative paths against the right base
// directory no matter how deeply they recurse.
func Load(path string) (*Manifest, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Annotate(err, "resolving manifest path").Err()
	}
	dir := filepath.Dir(abs)

	raw, err := readManifestBytes(abs)
	if err != nil {
		return nil, errors.Annotate(err, "reading manifest").Err()
	}

	m := &Manifest{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, errors.Annotate(err, "parsing manifest %q", abs).Err()
	}
	m.SourceDir = dir

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Annotate(err, "parsing manifest %q", abs).Err()
	}

	if modsRaw, ok := fields["modules"]; ok {
		var entries []json.RawMessage
		if err := json.Unmarshal(modsRaw, &entries); err != nil {
			return nil, errors.Annotate(err, "parsing %q: \"modules\"", abs).Err()
		}
		m.Modules, err = loadModuleList(dir, entries, 0)
		if err != nil {
			return nil, errors.Annotate(err, "parsing %q", abs).Err()
		}
	}

	return m, nil
}

const maxIncludeDepth = 10

// loadModuleList resolves a "modules" array: each entry is either an inline
// module object, or a string path (relative to dir) to a file containing a
// single module object or an array of them.
func loadModuleList(dir string, entries []json.RawMessage, depth int) ([]*Module, error) {
	if depth > maxIncludeDepth {
		return nil, errors.Reason("too much module include nesting").Err()
	}
	var out []*Module
	for _, entry := range entries {
		if path, ok := asIncludePath(entry); ok {
			nested, nestedDir, err := readIncludeFile(dir, path)
			if err != nil {
				return nil, err
			}
			mods, err := loadModuleList(nestedDir, nested, depth+1)
			if err != nil {
				return nil, errors.Annotate(err, "in included file %q", path).Err()
			}
			out = append(out, mods...)
			continue
		}
		mod, err := loadModuleObject(dir, entry, depth)
		if err != nil {
			return nil, err
		}
		out = append(out, mod)
	}
	return out, nil
}

// loadModuleObject decodes a single inline module object, then resolves its
// own nested "modules" and "sources" arrays relative to dir.
func loadModuleObject(dir string, raw json.RawMessage, depth int) (*Module, error) {
	mod := &Module{}
	if err := json.Unmarshal(raw, mod); err != nil {
		return nil, errors.Annotate(err, "bad module").Err()
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Annotate(err, "bad module").Err()
	}

	if modsRaw, ok := fields["modules"]; ok {
		var entries []json.RawMessage
		if err := json.Unmarshal(modsRaw, &entries); err != nil {
			return nil, errors.Annotate(err, "module %q: bad \"modules\"", mod.Name).Err()
		}
		nested, err := loadModuleList(dir, entries, depth+1)
		if err != nil {
			return nil, errors.Annotate(err, "module %q", mod.Name).Err()
		}
		mod.Modules = nested
	}

	if srcRaw, ok := fields["sources"]; ok {
		var entries []json.RawMessage
		if err := json.Unmarshal(srcRaw, &entries); err != nil {
			return nil, errors.Annotate(err, "module %q: bad \"sources\"", mod.Name).Err()
		}
		srcs, err := loadSourceList(dir, entries, depth+1)
		if err != nil {
			return nil, errors.Annotate(err, "module %q", mod.Name).Err()
		}
		mod.Sources = srcs
	}

	return mod, nil
}

// loadSourceList mirrors loadModuleList for the "sources" array.
func loadSourceList(dir string, entries []json.RawMessage, depth int) ([]*Source, error) {
	if depth > maxIncludeDepth {
		return nil, errors.Reason("too much source include nesting").Err()
	}
	var out []*Source
	for _, entry := range entries {
		if path, ok := asIncludePath(entry); ok {
			nested, nestedDir, err := readIncludeFile(dir, path)
			if err != nil {
				return nil, err
			}
			srcs, err := loadSourceList(nestedDir, nested, depth+1)
			if err != nil {
				return nil, errors.Annotate(err, "in included file %q", path).Err()
			}
			out = append(out, srcs...)
			continue
		}
		src := &Source{}
		if err := json.Unmarshal(entry, src); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// asIncludePath reports whether raw is a JSON string, returning its value.
func asIncludePath(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// readIncludeFile reads the file at path (relative to dir) and returns its
// top-level value as a list of raw entries (wrapping a single object into a
// one-element list), along with the directory subsequent nested includes in
// that file should be resolved against.
func readIncludeFile(dir, path string) (entries []json.RawMessage, newDir string, err error) {
	full := filepath.Join(dir, filepath.FromSlash(path))
	body, err := readManifestBytes(full)
	if err != nil {
		return nil, "", errors.Annotate(err, "reading included file %q", full).Err()
	}
	newDir = filepath.Dir(full)

	// Could be a single object or an array of objects (YAML includes are
	// re-encoded to JSON by readManifestBytes before reaching this check).
	trimmed := skipSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, "", errors.Annotate(err, "parsing %q", full).Err()
		}
		return entries, newDir, nil
	}
	return []json.RawMessage{json.RawMessage(body)}, newDir, nil
}

func skipSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}
