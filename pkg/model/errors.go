package model

import (
	"errors"
	"fmt"
)

// ErrorCode classifies orchestrator failures. Codes are stable strings so
// they can travel through events and persisted state unchanged.
type ErrorCode string

// Discovery errors (100).
const (
	ErrCodeModelNotFound      ErrorCode = "00100"
	ErrCodeModelAlreadyExists ErrorCode = "00101"
)

// Download errors (200).
const (
	ErrCodeNetworkFailure     ErrorCode = "00200"
	ErrCodeDownloadTimeout    ErrorCode = "00201"
	ErrCodePartialDownload    ErrorCode = "00202"
	ErrCodeUnsupportedArchive ErrorCode = "00203"
)

// Validation errors (300).
const (
	ErrCodeChecksumMismatch  ErrorCode = "00300"
	ErrCodeInvalidFormat     ErrorCode = "00301"
	ErrCodeMissingDependency ErrorCode = "00302"
)

// Runtime errors (400).
const (
	ErrCodeRuntimeIncompatible  ErrorCode = "00400"
	ErrCodeInitializationFailed ErrorCode = "00401"
	ErrCodeLoadFailed           ErrorCode = "00402"
	ErrCodeNoCompatibleRuntime  ErrorCode = "00403"
)

// Resource errors (500).
const (
	ErrCodeInsufficientMemory  ErrorCode = "00500"
	ErrCodeInsufficientStorage ErrorCode = "00501"
	ErrCodeThermalCritical     ErrorCode = "00502"
	ErrCodeBatteryLow          ErrorCode = "00503"
)

// Lifecycle errors (600).
const (
	ErrCodeInvalidTransition ErrorCode = "00600"
	ErrCodeUnrecoverable     ErrorCode = "00601"
)

// ErrorCategory groups codes for recovery dispatch. Recovery decisions are
// made per category, not per lifecycle stage.
type ErrorCategory string

const (
	CategoryDiscovery  ErrorCategory = "discovery"
	CategoryDownload   ErrorCategory = "download"
	CategoryValidation ErrorCategory = "validation"
	CategoryRuntime    ErrorCategory = "runtime"
	CategoryResource   ErrorCategory = "resource"
	CategoryLifecycle  ErrorCategory = "lifecycle"
	CategoryUnknown    ErrorCategory = "unknown"
)

// DomainError is the unified error type. It carries a stable code, the
// owning domain, optional structured details and an optional cause.
type DomainError struct {
	Code    ErrorCode
	Domain  string
	Message string
	Details map[string]any
	Cause   error
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error { return e.Cause }

// Is matches on code so sentinel comparisons via errors.Is work across
// wrapped copies.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails returns a copy carrying an extra detail entry.
func (e *DomainError) WithDetails(key string, value any) *DomainError {
	out := *e
	out.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

// WithCause returns a copy wrapping the given cause.
func (e *DomainError) WithCause(err error) *DomainError {
	out := *e
	out.Cause = err
	return &out
}

// Category returns the recovery category for this error's code.
func (e *DomainError) Category() ErrorCategory {
	switch e.Code {
	case ErrCodeModelNotFound, ErrCodeModelAlreadyExists:
		return CategoryDiscovery
	case ErrCodeNetworkFailure, ErrCodeDownloadTimeout, ErrCodePartialDownload, ErrCodeUnsupportedArchive:
		return CategoryDownload
	case ErrCodeChecksumMismatch, ErrCodeInvalidFormat, ErrCodeMissingDependency:
		return CategoryValidation
	case ErrCodeRuntimeIncompatible, ErrCodeInitializationFailed, ErrCodeLoadFailed, ErrCodeNoCompatibleRuntime:
		return CategoryRuntime
	case ErrCodeInsufficientMemory, ErrCodeInsufficientStorage, ErrCodeThermalCritical, ErrCodeBatteryLow:
		return CategoryResource
	case ErrCodeInvalidTransition, ErrCodeUnrecoverable:
		return CategoryLifecycle
	default:
		return CategoryUnknown
	}
}

// NewDomainError creates a domain error with no cause.
func NewDomainError(domain string, code ErrorCode, message string) *DomainError {
	return &DomainError{Code: code, Domain: domain, Message: message}
}

// Sentinel errors, one per taxonomy leaf. Compare with errors.Is.
var (
	ErrModelNotFound      = NewDomainError("discovery", ErrCodeModelNotFound, "model not found")
	ErrModelAlreadyExists = NewDomainError("discovery", ErrCodeModelAlreadyExists, "model already exists")

	ErrNetworkFailure     = NewDomainError("download", ErrCodeNetworkFailure, "network failure")
	ErrDownloadTimeout    = NewDomainError("download", ErrCodeDownloadTimeout, "download timed out")
	ErrPartialDownload    = NewDomainError("download", ErrCodePartialDownload, "partial download")
	ErrUnsupportedArchive = NewDomainError("download", ErrCodeUnsupportedArchive, "unsupported archive")

	ErrChecksumMismatch  = NewDomainError("validation", ErrCodeChecksumMismatch, "checksum mismatch")
	ErrInvalidFormat     = NewDomainError("validation", ErrCodeInvalidFormat, "invalid format")
	ErrMissingDependency = NewDomainError("validation", ErrCodeMissingDependency, "missing dependency")

	ErrRuntimeIncompatible  = NewDomainError("runtime", ErrCodeRuntimeIncompatible, "runtime incompatible with model")
	ErrInitializationFailed = NewDomainError("runtime", ErrCodeInitializationFailed, "runtime initialization failed")
	ErrLoadFailed           = NewDomainError("runtime", ErrCodeLoadFailed, "model load failed")
	ErrNoCompatibleRuntime  = NewDomainError("runtime", ErrCodeNoCompatibleRuntime, "no compatible runtime")

	ErrInsufficientMemory  = NewDomainError("resource", ErrCodeInsufficientMemory, "insufficient memory")
	ErrInsufficientStorage = NewDomainError("resource", ErrCodeInsufficientStorage, "insufficient storage")
	ErrThermalCritical     = NewDomainError("resource", ErrCodeThermalCritical, "thermal state critical")
	ErrBatteryLow          = NewDomainError("resource", ErrCodeBatteryLow, "battery too low")
)

// Predicate helpers for the most commonly branched-on failures. Matching
// is by error code, so wrapped and detail-annotated copies still match.

func IsNotFound(err error) bool         { return errors.Is(err, ErrModelNotFound) }
func IsChecksumMismatch(err error) bool { return errors.Is(err, ErrChecksumMismatch) }
func IsNoCompatibleRuntime(err error) bool {
	return errors.Is(err, ErrNoCompatibleRuntime)
}
func IsInsufficientMemory(err error) bool {
	return errors.Is(err, ErrInsufficientMemory)
}

// Category resolves the recovery category for an arbitrary error.
func Category(err error) ErrorCategory {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Category()
	}
	var pd *PartialDownloadError
	if errors.As(err, &pd) {
		return CategoryDownload
	}
	var ua *UnsupportedArchiveError
	if errors.As(err, &ua) {
		return CategoryDownload
	}
	var it *InvalidTransitionError
	if errors.As(err, &it) {
		return CategoryLifecycle
	}
	var ue *UnrecoverableError
	if errors.As(err, &ue) {
		return CategoryLifecycle
	}
	return CategoryUnknown
}

// InvalidTransitionError reports a state change not in the transition
// table. The model's state is unchanged when this is returned.
type InvalidTransitionError struct {
	From LifecycleState
	To   LifecycleState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("[%s] invalid transition from %s to %s", ErrCodeInvalidTransition, e.From, e.To)
}

// UnsupportedArchiveError carries the offending extension. It matches
// ErrUnsupportedArchive under errors.Is.
type UnsupportedArchiveError struct {
	Ext string
}

func (e *UnsupportedArchiveError) Error() string {
	return fmt.Sprintf("[%s] unsupported archive extension %q", ErrCodeUnsupportedArchive, e.Ext)
}

func (e *UnsupportedArchiveError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && t.Code == ErrCodeUnsupportedArchive
}

// PartialDownloadError reports an interrupted transfer and the byte offset
// a resume could restart from. It matches ErrPartialDownload under
// errors.Is.
type PartialDownloadError struct {
	URL    string
	Offset int64
	Cause  error
}

func (e *PartialDownloadError) Error() string {
	return fmt.Sprintf("[%s] partial download of %s at offset %d: %v", ErrCodePartialDownload, e.URL, e.Offset, e.Cause)
}

func (e *PartialDownloadError) Unwrap() error { return e.Cause }

func (e *PartialDownloadError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && t.Code == ErrCodePartialDownload
}

// UnrecoverableError terminates a lifecycle run after the recovery attempt
// cap is exceeded. It carries enough to explain "why" without the logs.
type UnrecoverableError struct {
	ModelID  string
	Stage    LifecycleState
	Attempts int
	Cause    error
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("[%s] model %s unrecoverable at stage %s after %d recovery attempts: %v",
		ErrCodeUnrecoverable, e.ModelID, e.Stage, e.Attempts, e.Cause)
}

func (e *UnrecoverableError) Unwrap() error { return e.Cause }
