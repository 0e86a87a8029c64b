// Package stripe distributes a directory tree as K-of-N erasure coded chunks
// across N output roots and rebuilds the tree from any K of them.
package stripe

import (
	"context"
	"errors"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/jacktea/dirstripe/pkg/fec"
	"github.com/jacktea/dirstripe/pkg/fs"
	"github.com/jacktea/dirstripe/pkg/ledger"
	"github.com/jacktea/dirstripe/pkg/naming"
	"github.com/jacktea/dirstripe/pkg/xerrors"
)

// ShareSet is the reconstruction threshold K and the total share count N.
// N is taken from the number of output roots when left zero.
type ShareSet struct {
	K int
	N int
}

// EncodeResult summarises an encode run. On failure it still lists the
// files whose chunks already reached every output root.
type EncodeResult struct {
	Files       int
	Chunks      int
	Bytes       int64
	Distributed []string
}

// DecodeResult summarises a reconstruction run.
type DecodeResult struct {
	Files       int
	Bytes       int64
	Destination string
	Skipped     []string
}

// Journal records runs. *ledger.Store satisfies it.
type Journal interface {
	Begin(ctx context.Context, run ledger.Run) (ledger.Run, error)
	RecordFile(ctx context.Context, runID string, rec ledger.FileRecord) error
	Finish(ctx context.Context, runID string, files int, bytes int64, runErr error) error
}

// Options configures an Encoder or Decoder.
type Options struct {
	FS     *fs.FS
	Codec  fec.Codec
	Logger *zap.Logger

	// Suffix is the chunk file extension, "fec" when empty.
	Suffix string
	// WorkDir holds the staging area. Encode defaults to the filesystem temp
	// dir, Decode to the parent of the destination.
	WorkDir string
	// Concurrency bounds the number of files coded at once.
	Concurrency int
	// Strict makes Decode fail on unreadable chunks instead of ignoring them.
	Strict bool
	// ListingCache bounds the directory listings memoised during discovery.
	ListingCache int
	// Journal, when set, receives every run and chunk placement.
	Journal Journal
}

func (o Options) normalize() (Options, error) {
	if o.FS == nil {
		return o, errors.New("stripe: filesystem is required")
	}
	if o.Codec == nil {
		return o, errors.New("stripe: codec is required")
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Suffix == "" {
		o.Suffix = naming.DefaultSuffix
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.ListingCache <= 0 {
		o.ListingCache = 4096
	}
	return o, nil
}

// codecError classifies an error coming back from the codec.
func codecError(op, path string, err error) error {
	switch {
	case errors.Is(err, fec.ErrExists):
		return xerrors.Wrap(xerrors.KindAlreadyExists, op, path, err)
	case errors.Is(err, fec.ErrInsufficientShares):
		return xerrors.Wrap(xerrors.KindInsufficientShares, op, path, err)
	case errors.Is(err, fec.ErrChecksum), errors.Is(err, fec.ErrInvalidChunk):
		return xerrors.Wrap(xerrors.KindCorrupt, op, path, err)
	default:
		return xerrors.Wrap(xerrors.KindInternal, op, path, err)
	}
}

// uniqueRoots reports whether roots names the same directory twice.
func uniqueRoots(roots []string) bool {
	seen := make(map[string]struct{}, len(roots))
	for _, root := range roots {
		key := filepath.Clean(root)
		if _, ok := seen[key]; ok {
			return false
		}
		seen[key] = struct{}{}
	}
	return true
}

// recorder forwards to the journal and downgrades its failures to warnings;
// history is never allowed to fail a run.
type recorder struct {
	journal Journal
	id      string
	log     *zap.Logger
}

func begin(ctx context.Context, journal Journal, log *zap.Logger, run ledger.Run) *recorder {
	r := &recorder{journal: journal, log: log}
	if journal == nil {
		return r
	}
	started, err := journal.Begin(ctx, run)
	if err != nil {
		log.Warn("could not record run", zap.Error(err))
		r.journal = nil
		return r
	}
	r.id = started.ID
	log.Debug("run recorded", zap.String("run", r.id))
	return r
}

func (r *recorder) file(ctx context.Context, rec ledger.FileRecord) {
	if r.journal == nil {
		return
	}
	if err := r.journal.RecordFile(ctx, r.id, rec); err != nil {
		r.log.Warn("could not record file", zap.String("path", rec.Path), zap.Error(err))
	}
}

func (r *recorder) finish(ctx context.Context, files int, bytes int64, runErr error) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Finish(context.WithoutCancel(ctx), r.id, files, bytes, runErr); err != nil {
		r.log.Warn("could not finish run record", zap.Error(err))
	}
}
