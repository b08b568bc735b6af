package dmapi

// Status is the persisted two-state readiness marker for one dataset identifier.
// It gates whether the fetch/extract/patch sequence runs at all.
type Status string

const (
	// Status_None means the dataset is not known to be ready.
	// It is the normalization target for everything unrecognized: a missing
	// STATUS file, a missing entry, a corrupt file, an unknown value.
	Status_None Status = "NONE"

	// Status_OK means the full pipeline once ran to completion for this identifier.
	// It is written only after every patch has succeeded.
	Status_OK Status = "OK"
)

// ParseStatus normalizes a persisted status string.
// Unrecognized values degrade to Status_None rather than erroring, so that
// files written by a newer version with more statuses read as "not ready"
// here instead of breaking.
func ParseStatus(s string) Status {
	switch Status(s) {
	case Status_OK:
		return Status_OK
	default:
		return Status_None
	}
}
