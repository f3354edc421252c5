// Package model holds the domain types shared across the orchestrator:
// model descriptors, lifecycle states, validation results, the error
// taxonomy and the lifecycle events published to the telemetry bus.
package model

// Format identifies the on-disk serialization of a model.
type Format string

const (
	FormatGGUF        Format = "gguf"
	FormatSafetensors Format = "safetensors"
	FormatONNX        Format = "onnx"
	FormatTensorRT    Format = "tensorrt"
	FormatPyTorch     Format = "pytorch"
)

// Descriptor describes a known model, local or remote. Identity and the
// declared fields are immutable after registration; LocalPath is set once
// by the fetcher and Metadata once by the validator.
type Descriptor struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Format Format `json:"format"`
	// SourceURLs lists remote locations for the backing artifact; the
	// first entry is the primary source, the rest are alternates tried
	// in order during download recovery.
	SourceURLs []string `json:"source_urls,omitempty"`
	// DeclaredSize is the expected artifact size in bytes (0 if unknown).
	DeclaredSize int64 `json:"declared_size,omitempty"`
	// FootprintBytes is the declared resident memory estimate once loaded.
	FootprintBytes int64 `json:"footprint_bytes,omitempty"`
	// CompatibleRuntimes names the runtime adapters this model can run on.
	CompatibleRuntimes []string `json:"compatible_runtimes,omitempty"`
	// Checksum is the optional sha256 (hex) of the fetched artifact.
	Checksum string `json:"checksum,omitempty"`
	// Dependencies lists auxiliary files (tokenizer, config) that must be
	// present next to the model file for it to be loadable.
	Dependencies []string `json:"dependencies,omitempty"`
	// LocalPath points at the materialized file layout, empty until fetched.
	LocalPath string `json:"local_path,omitempty"`
	// Metadata is extracted by the validator, keyed off the format.
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	out := *d
	out.SourceURLs = append([]string(nil), d.SourceURLs...)
	out.CompatibleRuntimes = append([]string(nil), d.CompatibleRuntimes...)
	out.Dependencies = append([]string(nil), d.Dependencies...)
	if d.Metadata != nil {
		out.Metadata = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ValidationIssue is one problem or observation found while certifying an
// artifact.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult accumulates every problem found in one pass rather than
// failing fast. Validity is defined as "no errors"; warnings never affect
// it.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// AddError records a validation error and flips validity.
func (r *ValidationResult) AddError(code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Code: code, Message: message})
	r.Valid = false
}

// AddWarning records a non-fatal observation.
func (r *ValidationResult) AddWarning(code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Code: code, Message: message})
}
