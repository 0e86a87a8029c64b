// Package fec turns files into K-of-N recoverable chunk files and back.
//
// The stripe orchestrator only sees the Codec interface; ReedSolomon is the
// implementation shipped with the binaries.
package fec

import (
	"context"
	"errors"
	"io"

	billy "github.com/go-git/go-billy/v5"
)

// MaxShares is the largest total share count a codec accepts.
const MaxShares = 256

var (
	// ErrExists is returned by Encode when a chunk file is already present
	// and overwriting was not requested.
	ErrExists = errors.New("fec: chunk already exists")
	// ErrInsufficientShares is returned by Decode when fewer valid, distinct
	// chunks than the embedded threshold were supplied.
	ErrInsufficientShares = errors.New("fec: insufficient shares")
	// ErrInvalidChunk marks a chunk whose framing or header is unusable.
	ErrInvalidChunk = errors.New("fec: invalid chunk")
	// ErrChecksum is returned when reconstructed content does not match the
	// checksum recorded at encode time.
	ErrChecksum = errors.New("fec: checksum mismatch")
)

// EncodeRequest describes one file to cut into chunks.
type EncodeRequest struct {
	Content   io.Reader
	Length    int64
	K         int
	N         int
	Dir       string
	Base      string
	Suffix    string
	Overwrite bool
}

// Chunk is an open chunk file handed to Decode.
type Chunk interface {
	io.Reader
	io.Seeker
	Name() string
}

// Codec is the erasure coding capability consumed by the orchestrator.
type Codec interface {
	// Encode writes exactly N chunk files for req into req.Dir and returns
	// their names.
	Encode(ctx context.Context, fsys billy.Filesystem, req EncodeRequest) ([]string, error)
	// Decode reconstructs the original content from chunks into sink and
	// returns the number of bytes written. With strict set, any unusable
	// chunk fails the call instead of being ignored.
	Decode(ctx context.Context, sink io.Writer, chunks []Chunk, strict bool) (int64, error)
}
