package tracing

import "go.opentelemetry.io/otel/attribute"

// Span attribute keys used by datman
const (
	AttrKeyDatmanErrorCode     = "datman.error.code"
	AttrKeyDatmanDatasetId     = "datman.dataset.id"
	AttrKeyDatmanRunId         = "datman.run.id"
	AttrKeyDatmanArtifactUrl   = "datman.artifact.url"
	AttrKeyDatmanArtifactPath  = "datman.artifact.path"
	AttrKeyDatmanArchiveKind   = "datman.archive.kind"
	AttrKeyDatmanPatchIndex    = "datman.patch.index"
	AttrKeyDatmanExecOperation = "datman.exec.operation"
)

// Attribute values
const (
	AttrValueExecOperationFetch   = "fetch"
	AttrValueExecOperationVerify  = "verify"
	AttrValueExecOperationExtract = "extract"
	AttrValueExecOperationPatch   = "patch"
)

// Enumerated attributes
var (
	AttrFullExecOperationFetch   = attribute.String(AttrKeyDatmanExecOperation, AttrValueExecOperationFetch)
	AttrFullExecOperationVerify  = attribute.String(AttrKeyDatmanExecOperation, AttrValueExecOperationVerify)
	AttrFullExecOperationExtract = attribute.String(AttrKeyDatmanExecOperation, AttrValueExecOperationExtract)
	AttrFullExecOperationPatch   = attribute.String(AttrKeyDatmanExecOperation, AttrValueExecOperationPatch)
)
