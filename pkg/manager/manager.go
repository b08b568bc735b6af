// Package manager is the status-gated pipeline on top of pkg/fetch:
// it checks persisted per-dataset status, triggers fetch and extraction,
// applies the caller's patch sequence, and durably records completion so
// repeated runs are idempotent and cheap.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warptools/datman/dmapi"
	"github.com/warptools/datman/pkg/fetch"
	"github.com/warptools/datman/pkg/kv"
	"github.com/warptools/datman/pkg/logging"
	"github.com/warptools/datman/pkg/tracing"
)

// StatusFilename is the name of the per-root status store.
const StatusFilename = "STATUS"

// ReadmeFilename is the name of the static guidance file written into every root.
const ReadmeFilename = "README"

//go:embed readme.txt
var readmeText string

// Patch is a caller-supplied transformation applied to the extracted data
// directory after extraction, before status is marked OK.  Patches are not
// individually checkpointed: a crash mid-sequence re-runs the whole pipeline,
// so they must be idempotent or cheap to re-run.  That contract is imposed on
// callers, not enforced here.
type Patch func(ctx context.Context, dataDir string) error

// Config describes one managed dataset.
type Config struct {
	// Root is the managed directory holding the status store, the README,
	// and (by default) downloads and extracted data.
	Root string
	// DatasetID is the unique key for this dataset in the shared status store.
	DatasetID string
	// Remote describes the artifact to fetch.
	Remote dmapi.Remote
	// DownloadDir optionally keeps downloaded archives somewhere other than Root.
	DownloadDir string
	// ExtractSubpath optionally extracts below a subdirectory of Root.
	ExtractSubpath string
	// FromScratch forces this dataset's status to NONE before the pipeline
	// runs, causing a full re-download and re-extract.  Other identifiers in
	// the shared status store are untouched.
	FromScratch bool
	// Patches run in order against the data directory after extraction.
	Patches []Patch
	// SkipVerify disables digest checking.
	SkipVerify bool
	// Fetcher overrides artifact transfer; chosen from the URL scheme when nil.
	Fetcher fetch.Fetcher
}

type Manager struct {
	root           string
	datasetID      string
	dataPath       string
	statusFilePath string
	patches        []Patch
	unit           *fetch.Unit
}

// New validates the configuration, prepares the root directory, and runs the
// readiness check, so a returned *Manager always describes a ready dataset.
//
// Side effects, in order: the root directory is created if missing (it is an
// error if the path exists and is not a directory); the README guidance file
// is written (overwritten) into the root; if FromScratch is set this
// dataset's status is forced to NONE; then EnsureReady runs.
//
// Errors:
//
//    - datman-error-config -- when the configuration is structurally unusable
//    - datman-error-workspace -- when the root directory cannot be prepared
//    - datman-error-fetch -- when the transfer fails
//    - datman-error-integrity -- when the downloaded artifact fails verification
//    - datman-error-missing -- when extraction finds no artifact file
//    - datman-error-extract -- when expanding the archive fails
//    - datman-error-io -- on filesystem trouble, including patch failures wrapped by callers
func New(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, dmapi.ErrorConfig("dataset root directory must be set")
	}
	if cfg.DatasetID == "" {
		return nil, dmapi.ErrorConfig("dataset identifier must be set")
	}
	if err := cfg.Remote.Validate(); err != nil {
		return nil, err
	}
	for i, patch := range cfg.Patches {
		if patch == nil {
			return nil, dmapi.ErrorConfig(fmt.Sprintf("patch %d is nil", i),
				[2]string{"patchIndex", fmt.Sprintf("%d", i)})
		}
	}

	root := filepath.Clean(cfg.Root)
	extractPath := filepath.Join(root, cfg.ExtractSubpath)
	downloadDir := cfg.DownloadDir
	if downloadDir == "" {
		downloadDir = root
	}

	m := &Manager{
		root:           root,
		datasetID:      cfg.DatasetID,
		dataPath:       filepath.Join(extractPath, cfg.Remote.RootFolder),
		statusFilePath: filepath.Join(root, StatusFilename),
		patches:        cfg.Patches,
		unit: &fetch.Unit{
			Folder:      downloadDir,
			Remote:      cfg.Remote,
			ExtractPath: extractPath,
			DataPath:    filepath.Join(extractPath, cfg.Remote.RootFolder),
			SkipVerify:  cfg.SkipVerify,
			Fetcher:     cfg.Fetcher,
		},
	}

	if err := m.prepareRoot(); err != nil {
		return nil, err
	}
	if cfg.FromScratch {
		if err := m.SetStatus(ctx, dmapi.Status_None); err != nil {
			return nil, err
		}
	}
	if err := m.EnsureReady(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// DataDir returns the directory holding the extracted dataset.  It is derived
// from the extraction path and the remote's root folder, never stored.
func (m *Manager) DataDir() string {
	return m.dataPath
}

// DatasetID returns this manager's key in the shared status store.
func (m *Manager) DatasetID() string {
	return m.datasetID
}

func (m *Manager) prepareRoot() error {
	info, err := os.Stat(m.root)
	switch {
	case err == nil:
		if !info.IsDir() {
			return dmapi.ErrorWorkspace(m.root, errors.New("path exists and is not a directory"))
		}
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(m.root, 0755); err != nil {
			return dmapi.ErrorWorkspace(m.root, err)
		}
	default:
		return dmapi.ErrorWorkspace(m.root, err)
	}

	readmePath := filepath.Join(m.root, ReadmeFilename)
	if err := os.WriteFile(readmePath, []byte(readmeText), 0644); err != nil {
		return dmapi.ErrorIo("cannot write readme", readmePath, err)
	}
	return nil
}

// EnsureReady is the pipeline's central guarantee and is idempotent:
// when the persisted status for this dataset is already OK it returns
// immediately, performing no network and no destructive filesystem work --
// the status store is the sole source of truth, even if someone deleted the
// data directory out-of-band.  Otherwise it runs fetch-extract, applies
// patches in order, and only then persists OK.  A crash anywhere before that
// final write leaves status untouched, so the next run redoes the whole
// sequence.
//
// Errors:
//
//    - datman-error-fetch -- when the transfer fails
//    - datman-error-integrity -- when the downloaded artifact fails verification
//    - datman-error-missing -- when extraction finds no artifact file
//    - datman-error-extract -- when expanding the archive fails
//    - datman-error-config -- when the remote descriptor is unusable
//    - datman-error-io -- on filesystem trouble
func (m *Manager) EnsureReady(ctx context.Context) error {
	logger := logging.Ctx(ctx)
	ctx, span := tracing.Start(ctx, "ensure-ready",
		trace.WithAttributes(
			attribute.String(tracing.AttrKeyDatmanDatasetId, m.datasetID),
			attribute.String(tracing.AttrKeyDatmanRunId, uuid.NewString()),
		))
	defer span.End()

	if m.Status(ctx) == dmapi.Status_OK {
		logger.Debug("datman", "dataset %s already ready, nothing to do", m.datasetID)
		return nil
	}

	if err := m.unit.DownloadAndExtract(ctx); err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	if err := m.applyPatches(ctx); err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	if err := m.SetStatus(ctx, dmapi.Status_OK); err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	logger.Info("datman", "dataset %s is ready", m.datasetID)
	return nil
}

// applyPatches runs the patch sequence in list order against the data
// directory, failing fast on the first error, which propagates unmodified.
func (m *Manager) applyPatches(ctx context.Context) error {
	logger := logging.Ctx(ctx)
	if len(m.patches) == 0 {
		logger.Debug("datman", "no patches to apply")
		return nil
	}
	logger.Info("datman", "applying %d patches...", len(m.patches))
	for i, patch := range m.patches {
		ctx, span := tracing.Start(ctx, "patch",
			trace.WithAttributes(
				tracing.AttrFullExecOperationPatch,
				attribute.Int(tracing.AttrKeyDatmanPatchIndex, i),
			))
		err := patch(ctx, m.dataPath)
		if err != nil {
			tracing.SetSpanError(ctx, err)
		}
		span.End()
		if err != nil {
			return err
		}
	}
	return nil
}

// Status reads the persisted status for this dataset.
// A missing file, a missing entry, an unrecognized value, or a structurally
// corrupt file all normalize to NONE; a corrupt file is additionally deleted,
// since losing cached status only costs redundant work, never data.
func (m *Manager) Status(ctx context.Context) dmapi.Status {
	logger := logging.Ctx(ctx)
	if _, err := os.Stat(m.statusFilePath); err != nil {
		return dmapi.Status_None
	}
	statuses, err := kv.Load(os.DirFS(m.root), StatusFilename)
	if err != nil {
		logger.Info("datman", "corrupted status file %s, deleting it", m.statusFilePath)
		os.Remove(m.statusFilePath)
		return dmapi.Status_None
	}
	return dmapi.ParseStatus(statuses[m.datasetID])
}

// SetStatus persists a status for this dataset, preserving other identifiers'
// entries.  A corrupt existing file is discarded and the store started fresh.
//
// Errors:
//
//    - datman-error-io -- when the status file cannot be written
func (m *Manager) SetStatus(ctx context.Context, status dmapi.Status) error {
	logger := logging.Ctx(ctx)
	statuses := map[string]string{}
	if _, err := os.Stat(m.statusFilePath); err == nil {
		loaded, err := kv.Load(os.DirFS(m.root), StatusFilename)
		if err != nil {
			logger.Info("datman", "corrupted status file %s, starting a new one", m.statusFilePath)
		} else {
			statuses = loaded
		}
	}
	statuses[m.datasetID] = string(status)
	return kv.Save(m.statusFilePath, statuses)
}
