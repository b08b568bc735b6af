// Package kv reads and writes the line-oriented key-value files that hold
// datman's durable state: the per-root STATUS file and the cache index.
//
// The format is one record per line, "key:value\n", splitting on the first
// colon only (values may contain colons).  Values containing a newline are
// not representable; writing one corrupts the file.  That hazard is accepted
// rather than guarded: these files only ever hold status words and cache
// keys, and the owning layers already treat an unreadable file as empty state.
package kv

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/warptools/datman/dmapi"
)

// Load reads a key-value file into a map.
//
// An fsys handle is required, but is typically `os.DirFS("/")` outside of tests.
// The path is interpreted within fsys, so it must not be rooted.
//
// Errors:
//
//    - datman-error-io -- when the file cannot be opened or read
//    - datman-error-kv-parse -- when a line has no ":" delimiter
func Load(fsys fs.FS, path string) (map[string]string, error) {
	raw, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, dmapi.ErrorIo("cannot read key-value file", path, err)
	}
	data := map[string]string{}
	for n, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, dmapi.ErrorKvParse(path, fmt.Sprintf("line %d has no delimiter", n+1))
		}
		data[key] = value
	}
	return data, nil
}

// LoadInt is Load for files whose keys are integers, such as the cache index.
//
// Errors:
//
//    - datman-error-io -- when the file cannot be opened or read
//    - datman-error-kv-parse -- when a line has no ":" delimiter or a non-numeric key
func LoadInt(fsys fs.FS, path string) (map[int]string, error) {
	raw, err := Load(fsys, path)
	if err != nil {
		return nil, err
	}
	data := make(map[int]string, len(raw))
	for key, value := range raw {
		n, err := strconv.Atoi(key)
		if err != nil {
			return nil, dmapi.ErrorKvParse(path, fmt.Sprintf("key %q is not an integer", key))
		}
		data[n] = value
	}
	return data, nil
}

// Save writes a key-value file, replacing any previous content.
// Keys are emitted in sorted order so the file content is deterministic.
//
// The write is atomic: content goes to a temporary file in the same directory
// which is then renamed over the target, so a reader (or a crash) never
// observes a half-written file.
//
// Errors:
//
//    - datman-error-io -- when writing or renaming fails
func Save(path string, data map[string]string) error {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&sb, "%s:%s\n", key, data[key])
	}
	return writeFileAtomic(path, sb.String())
}

// SaveInt is Save for integer-keyed files; keys are emitted in numeric order.
//
// Errors:
//
//    - datman-error-io -- when writing or renaming fails
func SaveInt(path string, data map[int]string) error {
	keys := make([]int, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Ints(keys)

	var sb strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&sb, "%d:%s\n", key, data[key])
	}
	return writeFileAtomic(path, sb.String())
}

func writeFileAtomic(path string, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return dmapi.ErrorIo("cannot create temporary key-value file", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return dmapi.ErrorIo("cannot write key-value file", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return dmapi.ErrorIo("cannot sync key-value file", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return dmapi.ErrorIo("cannot close key-value file", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return dmapi.ErrorIo("cannot move key-value file into place", path, err)
	}
	return nil
}
