// Package jsonfmt is the JSON serialization backend for pkg/cache.
package jsonfmt

import (
	"os"

	"github.com/polydawn/refmt/json"

	"github.com/warptools/datman/dmapi"
	"github.com/warptools/datman/pkg/cache"
)

// Backend serializes cache records as JSON via refmt.
type Backend struct{}

var _ cache.Backend = Backend{}

// Errors:
//
//    - datman-error-serialization -- when the record cannot be encoded
//    - datman-error-io -- when the file cannot be written
func (Backend) Save(rec cache.Record, path string) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return dmapi.ErrorSerialization("encoding cache record as json", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return dmapi.ErrorIo("cannot write cache record", path, err)
	}
	return nil
}

// Errors:
//
//    - datman-error-serialization -- when the file cannot be decoded
//    - datman-error-io -- when the file cannot be read
func (Backend) Load(path string) (cache.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dmapi.ErrorIo("cannot read cache record", path, err)
	}
	var rec cache.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, dmapi.ErrorSerialization("decoding json cache record", err)
	}
	return rec, nil
}

func (Backend) Extension() string {
	return ".json"
}
