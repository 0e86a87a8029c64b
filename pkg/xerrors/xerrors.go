package xerrors

import (
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies dirstripe errors.
type Kind int

const (
	KindInternal Kind = iota
	KindNoInput
	KindNoOutput
	KindNoShares
	KindInsufficientRoots
	KindAlreadyExists
	KindChunkCountMismatch
	KindInsufficientShares
	KindCorrupt
)

// Class groups kinds by when they are detected.
type Class int

const (
	// ClassIO covers unclassified filesystem failures; they surface as-is.
	ClassIO Class = iota
	// ClassArgument errors are detected before any mutation.
	ClassArgument
	// ClassPreflight errors are detected before mutation but depend on disk state.
	ClassPreflight
	// ClassIntegrity errors abort a run midway.
	ClassIntegrity
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Msg
	if base == "" {
		base = kindString(e.Kind)
	}
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func kindString(kind Kind) string {
	switch kind {
	case KindNoInput:
		return "no input"
	case KindNoOutput:
		return "no output"
	case KindNoShares:
		return "no share count"
	case KindInsufficientRoots:
		return "insufficient directories"
	case KindAlreadyExists:
		return "already exists"
	case KindChunkCountMismatch:
		return "chunk count mismatch"
	case KindInsufficientShares:
		return "insufficient shares"
	case KindCorrupt:
		return "corrupt data"
	default:
		return "internal error"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Errorf creates a new error carrying a human readable message instead of
// the default kind text.
func Errorf(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrExist),
		errors.Is(err, os.ErrExist):
		return KindAlreadyExists
	default:
		return KindInternal
	}
}

// ClassOf reports the detection class of err.
func ClassOf(err error) Class {
	switch KindOf(err) {
	case KindNoInput, KindNoOutput, KindNoShares, KindInsufficientRoots:
		return ClassArgument
	case KindChunkCountMismatch, KindInsufficientShares, KindCorrupt:
		return ClassIntegrity
	case KindAlreadyExists:
		var e *Error
		if errors.As(err, &e) && e.Op == "preflight" {
			return ClassPreflight
		}
		return ClassIntegrity
	default:
		return ClassIO
	}
}

// ExitCode maps err to the process exit status used by the CLI.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindNoInput:
		return 2
	case KindNoOutput:
		return 3
	case KindNoShares:
		return 4
	case KindInsufficientRoots:
		return 5
	case KindAlreadyExists:
		return 6
	case KindChunkCountMismatch:
		return 7
	case KindInsufficientShares:
		return 8
	default:
		return 1
	}
}
