package stripe

import (
	"context"
	"fmt"
	"os"
	"path"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/dirstripe/pkg/fec"
	"github.com/jacktea/dirstripe/pkg/fs"
	"github.com/jacktea/dirstripe/pkg/ledger"
	"github.com/jacktea/dirstripe/pkg/naming"
	"github.com/jacktea/dirstripe/pkg/stage"
	"github.com/jacktea/dirstripe/pkg/xerrors"
)

// Encoder stripes source trees across output roots.
type Encoder struct {
	opts Options
}

// NewEncoder validates opts and returns an Encoder.
func NewEncoder(opts Options) (*Encoder, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return &Encoder{opts: opts}, nil
}

// Encode cuts every file below source into len(outputs) chunks, any set.K of
// which rebuild it, and copies chunk i of each file to outputs[i] at the
// file's relative directory. Files distributed before a failure are left in
// place and listed in the returned result.
func (e *Encoder) Encode(ctx context.Context, source string, set ShareSet, outputs []string, overwrite bool) (EncodeResult, error) {
	var res EncodeResult
	if err := e.check(source, set, outputs); err != nil {
		return res, err
	}
	set.N = len(outputs)
	fsys, log := e.opts.FS, e.opts.Logger

	tree, err := fsys.Scan(source)
	if err != nil {
		return res, xerrors.Wrap(xerrors.KindInternal, "scan", source, err)
	}
	for _, rel := range tree.Skipped {
		log.Warn("skipping non-regular file", zap.String("path", rel))
	}

	rec := begin(ctx, e.opts.Journal, log, ledger.Run{
		Kind:   ledger.KindEncode,
		Source: source,
		Roots:  outputs,
		K:      set.K,
		N:      set.N,
	})
	err = e.encode(ctx, rec, source, set, outputs, overwrite, tree, &res)
	rec.finish(ctx, res.Files, res.Bytes, err)
	return res, err
}

func (e *Encoder) check(source string, set ShareSet, outputs []string) error {
	if source == "" {
		return xerrors.Errorf(xerrors.KindNoInput, "encode", "an input directory is required")
	}
	ok, err := e.opts.FS.IsDir(source)
	if err != nil {
		return xerrors.Wrap(xerrors.KindNoInput, "encode", source, err)
	}
	if !ok {
		return xerrors.E(xerrors.KindNoInput, "encode", source)
	}
	if set.K < 1 {
		return xerrors.Errorf(xerrors.KindNoShares, "encode", "the share threshold must be at least 1")
	}
	if len(outputs) == 0 {
		return xerrors.Errorf(xerrors.KindNoOutput, "encode", "at least one output directory is required")
	}
	switch {
	case len(outputs) < 2:
		return xerrors.Errorf(xerrors.KindInsufficientRoots, "encode", "at least two output directories are required")
	case len(outputs) <= set.K:
		return xerrors.Errorf(xerrors.KindInsufficientRoots, "encode",
			fmt.Sprintf("%d output directories cannot hold a %d share threshold", len(outputs), set.K))
	case len(outputs) > fec.MaxShares:
		return xerrors.Errorf(xerrors.KindInsufficientRoots, "encode",
			fmt.Sprintf("at most %d output directories are supported", fec.MaxShares))
	case set.N != 0 && set.N != len(outputs):
		return xerrors.Errorf(xerrors.KindInsufficientRoots, "encode",
			fmt.Sprintf("%d shares requested for %d output directories", set.N, len(outputs)))
	case !uniqueRoots(outputs):
		return xerrors.Errorf(xerrors.KindInsufficientRoots, "encode", "output directories must be distinct")
	}
	return nil
}

func (e *Encoder) encode(ctx context.Context, rec *recorder, source string, set ShareSet, outputs []string, overwrite bool, tree fs.Tree, res *EncodeResult) error {
	fsys, log := e.opts.FS, e.opts.Logger

	area, err := stage.Acquire(fsys, e.opts.WorkDir, log)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "stage", e.opts.WorkDir, err)
	}
	defer area.Discard()

	if err := stage.EnsureDirs(fsys, area.Path(), tree.Dirs); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "stage", area.Path(), err)
	}
	sizes, err := e.encodeFiles(ctx, area, source, set, tree.Files, overwrite)
	if err != nil {
		return err
	}

	for _, root := range outputs {
		if err := stage.EnsureDirs(fsys, root, tree.Dirs); err != nil {
			return xerrors.Wrap(xerrors.KindInternal, "mirror", root, err)
		}
	}

	for i, rel := range tree.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		placements, err := e.distribute(area, rel, set.N, outputs, overwrite)
		if err != nil {
			return err
		}
		res.Files++
		res.Chunks += len(placements)
		res.Bytes += sizes[i]
		res.Distributed = append(res.Distributed, rel)
		rec.file(ctx, ledger.FileRecord{Path: rel, Size: sizes[i], Placements: placements})
		log.Info("distributed", zap.String("file", rel), zap.Int("chunks", len(placements)))
	}
	return nil
}

// encodeFiles writes the chunks of every file into the staging area and
// returns the source sizes in files order. The first failure cancels the
// remaining work.
func (e *Encoder) encodeFiles(ctx context.Context, area *stage.Area, source string, set ShareSet, files []string, overwrite bool) ([]int64, error) {
	sizes := make([]int64, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, rel := range files {
		i, rel := i, rel // per-iteration copies (go directive < 1.22)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := e.encodeFile(gctx, area, source, rel, set, overwrite)
			if err != nil {
				return err
			}
			sizes[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sizes, nil
}

func (e *Encoder) encodeFile(ctx context.Context, area *stage.Area, source, rel string, set ShareSet, overwrite bool) (int64, error) {
	fsys := e.opts.FS
	src := fsys.Resolve(source, rel)
	info, err := fsys.Stat(src)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, "encode", src, err)
	}
	f, err := fsys.Open(src)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindInternal, "encode", src, err)
	}
	defer f.Close()

	names, err := e.opts.Codec.Encode(ctx, fsys, fec.EncodeRequest{
		Content:   f,
		Length:    info.Size(),
		K:         set.K,
		N:         set.N,
		Dir:       area.Join(path.Dir(rel)),
		Base:      path.Base(rel),
		Suffix:    e.opts.Suffix,
		Overwrite: overwrite,
	})
	if err != nil {
		return 0, codecError("encode", rel, err)
	}
	e.opts.Logger.Debug("encoded", zap.String("file", rel), zap.Int64("bytes", info.Size()), zap.Strings("chunks", names))
	return info.Size(), nil
}

// distribute copies the staged chunks of rel to the output roots, chunk i to
// outputs[i]. Every destination is checked before the first copy.
func (e *Encoder) distribute(area *stage.Area, rel string, n int, outputs []string, overwrite bool) ([]ledger.Placement, error) {
	fsys := e.opts.FS
	dir := path.Dir(rel)
	names, err := fsys.ReadDirNames(area.Join(dir))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "distribute", area.Join(dir), err)
	}
	chunks := naming.NewMatcher(path.Base(rel), e.opts.Suffix).Filter(names)
	if len(chunks) != n {
		return nil, xerrors.Wrap(xerrors.KindChunkCountMismatch, "distribute", rel,
			fmt.Errorf("found %d chunks, expected %d", len(chunks), n))
	}

	dsts := make([]string, n)
	for i, chunk := range chunks {
		dsts[i] = fsys.Resolve(outputs[i], path.Join(dir, chunk.Name))
		if overwrite {
			continue
		}
		exists, err := fsys.Exists(dsts[i])
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, "distribute", dsts[i], err)
		}
		if exists {
			return nil, xerrors.Wrap(xerrors.KindAlreadyExists, "distribute", dsts[i], os.ErrExist)
		}
	}

	placements := make([]ledger.Placement, n)
	for i, chunk := range chunks {
		src := area.Join(path.Join(dir, chunk.Name))
		if _, err := fsys.CopyFile(src, dsts[i]); err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, "distribute", dsts[i], err)
		}
		e.opts.Logger.Debug("copied chunk", zap.String("chunk", chunk.Name), zap.String("root", outputs[i]))
		placements[i] = ledger.Placement{Root: outputs[i], Chunk: path.Join(dir, chunk.Name)}
	}
	return placements, nil
}
