// Package manifest loads the YAML files that describe which datasets
// `datman ensure` should prepare.
package manifest

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/warptools/datman/dmapi"
)

// Manifest is the top-level document.
type Manifest struct {
	Datasets []Dataset `yaml:"datasets"`
}

// Dataset describes one managed dataset: where it lives and what to fetch.
type Dataset struct {
	ID             string `yaml:"id"`
	Root           string `yaml:"root"`
	DownloadDir    string `yaml:"download_dir"`
	ExtractSubpath string `yaml:"extract_subpath"`
	SkipVerify     bool   `yaml:"skip_verify"`
	Remote         Remote `yaml:"remote"`
}

// Remote mirrors dmapi.Remote in YAML shape.
type Remote struct {
	URL         string `yaml:"url"`
	Filename    string `yaml:"filename"`
	RootFolder  string `yaml:"root_folder"`
	Checksum    string `yaml:"checksum"`
	ArchiveType string `yaml:"archive_type"`
}

func (r Remote) ToAPI() dmapi.Remote {
	return dmapi.Remote{
		URL:         r.URL,
		Filename:    r.Filename,
		RootFolder:  r.RootFolder,
		Checksum:    r.Checksum,
		ArchiveKind: dmapi.ArchiveKind(r.ArchiveType),
	}
}

// Load reads and parses a manifest file, and checks the parts that must be
// present for any dataset to be prepared at all.  Remote descriptor details
// are validated later by the pipeline manager.
//
// Errors:
//
//    - datman-error-io -- when the file cannot be read
//    - datman-error-serialization -- when the YAML cannot be parsed
//    - datman-error-config -- when a dataset entry is structurally incomplete
func Load(path string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, dmapi.ErrorIo("cannot read manifest", path, err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, dmapi.ErrorSerialization("parsing manifest "+path, err)
	}
	for _, ds := range m.Datasets {
		if ds.ID == "" || ds.Root == "" || ds.Remote.URL == "" || ds.Remote.Filename == "" {
			return m, dmapi.ErrorConfig("manifest dataset entries need at least id, root, remote.url and remote.filename",
				[2]string{"path", path}, [2]string{"dataset", ds.ID})
		}
	}
	return m, nil
}
