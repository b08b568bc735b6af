// Package cborfmt is the CBOR serialization backend for pkg/cache.
// CBOR files are denser than JSON and round-trip binary values cleanly,
// at the cost of not being greppable.
package cborfmt

import (
	"os"

	"github.com/polydawn/refmt/cbor"

	"github.com/warptools/datman/dmapi"
	"github.com/warptools/datman/pkg/cache"
)

// Backend serializes cache records as CBOR via refmt.
type Backend struct{}

var _ cache.Backend = Backend{}

// Errors:
//
//    - datman-error-serialization -- when the record cannot be encoded
//    - datman-error-io -- when the file cannot be written
func (Backend) Save(rec cache.Record, path string) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return dmapi.ErrorSerialization("encoding cache record as cbor", err)
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
	if err := cbor.Unmarshal(cbor.DecodeOptions{}, data, &rec); err != nil {
		return nil, dmapi.ErrorSerialization("decoding cbor cache record", err)
	}
	return rec, nil
}

func (Backend) Extension() string {
	return ".cbor"
}
