// Package cache is an append-style keyed store of structured records on disk,
// with a persistent index and an optional in-memory hot mirror.
// Serialization is pluggable: see Backend and the pkg/cache/backend packages.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/facette/natsort"

	"github.com/warptools/datman/dmapi"
	"github.com/warptools/datman/pkg/kv"
)

// Record is one cached item.  Backends serialize it whole.
type Record = map[string]interface{}

// Backend is the serialization strategy for cache records.
// Implementations live in their own packages so the cache core compiles
// without any one format's dependencies.
type Backend interface {
	// Save writes the record to exactly the given path.
	Save(rec Record, path string) error
	// Load reads a record from exactly the given path.
	Load(path string) (Record, error)
	// Extension returns the filename extension this backend owns, dot included.
	Extension() string
}

// IndexFilename is the name of the index file within a cache root.
const IndexFilename = "index.kv"

// DataDirname is the directory holding backing record files within a cache root.
const DataDirname = "data"

// Cache maps ordinal or string keys to records stored under
// <root>/data/<key><ext>, with <root>/index.kv mapping insertion-order
// ordinals to string keys.  The index is rewritten synchronously on every
// save: write amplification traded for crash-safety of the index.
//
// Not safe for concurrent use.
type Cache struct {
	root         string
	dataPath     string
	indexPath    string
	backend      Backend
	keepInMemory bool
	mirror       map[string]Record
	index        map[int]string
}

// Open creates the cache layout under root if needed and loads the index.
// A structurally corrupt index file is discarded and the index starts empty;
// losing it only costs redundant work.
//
// Errors:
//
//    - datman-error-workspace -- when the cache directories cannot be created
func Open(root string, backend Backend, keepInMemory bool) (*Cache, error) {
	root = filepath.Clean(root)
	c := &Cache{
		root:         root,
		dataPath:     filepath.Join(root, DataDirname),
		indexPath:    filepath.Join(root, IndexFilename),
		backend:      backend,
		keepInMemory: keepInMemory,
		mirror:       map[string]Record{},
		index:        map[int]string{},
	}
	if err := os.MkdirAll(c.dataPath, 0755); err != nil {
		return nil, dmapi.ErrorWorkspace(root, err)
	}
	if _, err := os.Stat(c.indexPath); err == nil {
		index, err := kv.LoadInt(os.DirFS(root), IndexFilename)
		if err != nil {
			os.Remove(c.indexPath)
		} else {
			c.index = index
		}
	}
	return c, nil
}

// Len returns the number of indexed records.
func (c *Cache) Len() int {
	return len(c.index)
}

// Keys returns all string keys in natural sort order
// (so "sample_2" sorts before "sample_10").
func (c *Cache) Keys() []string {
	keys := make([]string, 0, len(c.index))
	for _, key := range c.index {
		keys = append(keys, key)
	}
	natsort.Sort(keys)
	return keys
}

// Save stores a record under a string key.  A new key is appended at the next
// free ordinal slot; re-saving an existing key overwrites its record in place
// without growing the index.  The index file is persisted before returning.
//
// Errors:
//
//    - datman-error-serialization -- when the backend cannot encode the record
//    - datman-error-io -- when the record or index cannot be written
func (c *Cache) Save(key string, rec Record) error {
	if _, ok := c.slotOf(key); !ok {
		c.index[len(c.index)] = key
	}
	return c.persist(key, rec)
}

// SaveOrdinal stores a record at an integer slot, under the conventional
// key name "sample_<n>".
//
// Errors:
//
//    - datman-error-serialization -- when the backend cannot encode the record
//    - datman-error-io -- when the record or index cannot be written
func (c *Cache) SaveOrdinal(n int, rec Record) error {
	key := ordinalKey(n)
	c.index[n] = key
	return c.persist(key, rec)
}

func (c *Cache) persist(key string, rec Record) error {
	if err := c.backend.Save(rec, c.recordPath(key)); err != nil {
		return err
	}
	if c.keepInMemory {
		c.mirror[key] = rec
	}
	return kv.SaveInt(c.indexPath, c.index)
}

// Load returns the record stored under a string key, serving from the
// in-memory mirror when enabled and populated; a disk hit is cached into the
// mirror on the way out.  A key whose backing file was deleted out-of-band
// reports a cache miss.
//
// Errors:
//
//    - datman-error-cache-miss -- when no record exists for this key
//    - datman-error-serialization -- when the backend cannot decode the record
//    - datman-error-io -- when the backing file cannot be read
func (c *Cache) Load(key string) (Record, error) {
	if rec, ok := c.mirror[key]; ok {
		return rec, nil
	}
	path := c.recordPath(key)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, dmapi.ErrorCacheMiss(key)
		}
		return nil, dmapi.ErrorIo("cannot stat cache record", path, err)
	}
	rec, err := c.backend.Load(path)
	if err != nil {
		return nil, err
	}
	if c.keepInMemory {
		c.mirror[key] = rec
	}
	return rec, nil
}

// LoadOrdinal resolves an integer slot through the index to its string key,
// then loads as Load does.
//
// Errors:
//
//    - datman-error-cache-miss -- when the slot is unoccupied or the record is gone
//    - datman-error-serialization -- when the backend cannot decode the record
//    - datman-error-io -- when the backing file cannot be read
func (c *Cache) LoadOrdinal(n int) (Record, error) {
	key, ok := c.index[n]
	if !ok {
		return nil, dmapi.ErrorCacheMiss(strconv.Itoa(n))
	}
	return c.Load(key)
}

func (c *Cache) recordPath(key string) string {
	return filepath.Join(c.dataPath, key+c.backend.Extension())
}

func (c *Cache) slotOf(key string) (int, bool) {
	for slot, k := range c.index {
		if k == key {
			return slot, true
		}
	}
	return 0, false
}

func ordinalKey(n int) string {
	return fmt.Sprintf("sample_%d", n)
}
