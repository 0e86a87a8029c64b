package stripe

import (
	"bufio"
	"context"
	"errors"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	billy "github.com/go-git/go-billy/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/dirstripe/pkg/cache"
	"github.com/jacktea/dirstripe/pkg/fec"
	"github.com/jacktea/dirstripe/pkg/fs"
	"github.com/jacktea/dirstripe/pkg/ledger"
	"github.com/jacktea/dirstripe/pkg/naming"
	"github.com/jacktea/dirstripe/pkg/stage"
	"github.com/jacktea/dirstripe/pkg/xerrors"
)

// Decoder rebuilds trees from the chunks spread over input roots.
type Decoder struct {
	opts Options
}

// NewDecoder validates opts and returns a Decoder.
func NewDecoder(opts Options) (*Decoder, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return &Decoder{opts: opts}, nil
}

// target is one original file to rebuild.
type target struct {
	dir  string
	base string
}

func (t target) rel() string { return path.Join(t.dir, t.base) }

// inventory is the union of what the input roots hold.
type inventory struct {
	dirs    []string
	targets []target
	skipped []string
}

// Decode rebuilds the tree striped across inputs into dest. Every file found
// in any input root is reconstructed from the chunks of all roots. Nothing
// becomes visible at dest unless every file was rebuilt.
func (d *Decoder) Decode(ctx context.Context, inputs []string, dest string, overwrite bool) (DecodeResult, error) {
	res := DecodeResult{Destination: dest}
	inputs, err := d.check(inputs, dest, overwrite)
	if err != nil {
		return res, err
	}
	fsys, log := d.opts.FS, d.opts.Logger

	inv, err := d.discover(inputs)
	if err != nil {
		return res, err
	}
	for _, rel := range inv.skipped {
		log.Warn("skipping file that is not a chunk", zap.String("path", rel))
	}
	res.Skipped = inv.skipped

	rec := begin(ctx, d.opts.Journal, log, ledger.Run{
		Kind:        ledger.KindDecode,
		Destination: dest,
		Roots:       inputs,
	})
	err = d.decode(ctx, rec, fsys, inputs, dest, inv, &res)
	rec.finish(ctx, res.Files, res.Bytes, err)
	return res, err
}

func (d *Decoder) check(inputs []string, dest string, overwrite bool) ([]string, error) {
	if dest == "" {
		return nil, xerrors.Errorf(xerrors.KindNoOutput, "reconstruct", "an output directory is required")
	}
	if len(inputs) == 0 {
		return nil, xerrors.Errorf(xerrors.KindNoInput, "reconstruct", "at least one input directory is required")
	}
	fsys := d.opts.FS
	var roots []string
	seen := make(map[string]struct{}, len(inputs))
	for _, root := range inputs {
		ok, err := fsys.IsDir(root)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindNoInput, "reconstruct", root, err)
		}
		if !ok {
			return nil, xerrors.E(xerrors.KindNoInput, "reconstruct", root)
		}
		if _, dup := seen[filepath.Clean(root)]; dup {
			continue
		}
		seen[filepath.Clean(root)] = struct{}{}
		roots = append(roots, root)
	}
	exists, err := fsys.Exists(dest)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "preflight", dest, err)
	}
	if exists && !overwrite {
		return nil, xerrors.Wrap(xerrors.KindAlreadyExists, "preflight", dest, os.ErrExist)
	}
	return roots, nil
}

// discover scans every input root and returns the union of their directory
// skeletons and chunked files, sorted so parents precede children.
func (d *Decoder) discover(inputs []string) (inventory, error) {
	var inv inventory
	dirs := make(map[string]struct{})
	targets := make(map[target]struct{})
	skipped := make(map[string]struct{})
	for _, root := range inputs {
		tree, err := d.opts.FS.Scan(root)
		if err != nil {
			return inv, xerrors.Wrap(xerrors.KindInternal, "scan", root, err)
		}
		for _, dir := range tree.Dirs {
			dirs[dir] = struct{}{}
		}
		for _, rel := range tree.Files {
			chunk, ok := naming.Parse(path.Base(rel), d.opts.Suffix)
			if !ok {
				skipped[rel] = struct{}{}
				continue
			}
			targets[target{dir: path.Dir(rel), base: chunk.Base}] = struct{}{}
		}
		for _, rel := range tree.Skipped {
			skipped[rel] = struct{}{}
		}
	}
	for dir := range dirs {
		inv.dirs = append(inv.dirs, dir)
	}
	sort.Strings(inv.dirs)
	for t := range targets {
		inv.targets = append(inv.targets, t)
	}
	sort.Slice(inv.targets, func(i, j int) bool { return inv.targets[i].rel() < inv.targets[j].rel() })
	for rel := range skipped {
		inv.skipped = append(inv.skipped, rel)
	}
	sort.Strings(inv.skipped)
	return inv, nil
}

func (d *Decoder) decode(ctx context.Context, rec *recorder, fsys *fs.FS, inputs []string, dest string, inv inventory, res *DecodeResult) error {
	log := d.opts.Logger
	workDir := d.opts.WorkDir
	if workDir == "" {
		workDir = filepath.Dir(dest)
	}
	area, err := stage.Acquire(fsys, workDir, log)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "stage", workDir, err)
	}
	defer area.Discard()

	if err := stage.EnsureDirs(fsys, area.Path(), inv.dirs); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "stage", area.Path(), err)
	}

	listings := cache.New[[]string](d.opts.ListingCache)
	sizes := make([]int64, len(inv.targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for i, t := range inv.targets {
		i, t := i, t // per-iteration copies (go directive < 1.22)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, placements, err := d.decodeFile(gctx, area, listings, inputs, t)
			if err != nil {
				return err
			}
			sizes[i] = n
			rec.file(gctx, ledger.FileRecord{Path: t.rel(), Size: n, Placements: placements})
			log.Info("reconstructed", zap.String("file", t.rel()), zap.Int("chunks", len(placements)))
			return nil
		})
	}
	err = g.Wait()
	stats := listings.Stats()
	log.Debug("directory listing cache",
		zap.Int64("hits", stats.Hits),
		zap.Int64("misses", stats.Misses),
		zap.Int("entries", stats.Size),
		zap.Int64("evictions", stats.Evictions))
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := area.Commit(dest); err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "publish", dest, err)
	}
	for _, n := range sizes {
		res.Bytes += n
	}
	res.Files = len(inv.targets)
	log.Info("published", zap.String("dest", dest), zap.Int("files", res.Files))
	return nil
}

// decodeFile gathers the chunks of t from every root and rebuilds the file in
// the staging area.
func (d *Decoder) decodeFile(ctx context.Context, area *stage.Area, listings *cache.LRU[[]string], inputs []string, t target) (int64, []ledger.Placement, error) {
	fsys := d.opts.FS
	matcher := naming.NewMatcher(t.base, d.opts.Suffix)

	var (
		chunks     []fec.Chunk
		placements []ledger.Placement
	)
	defer func() {
		for _, c := range chunks {
			c.(billy.File).Close()
		}
	}()
	for _, root := range inputs {
		dir := fsys.Resolve(root, t.dir)
		names, err := listings.GetOrLoad(dir, func() ([]string, error) {
			names, err := fsys.ReadDirNames(dir)
			if errors.Is(err, iofs.ErrNotExist) {
				return nil, nil
			}
			return names, err
		})
		if err != nil {
			return 0, nil, xerrors.Wrap(xerrors.KindInternal, "discover", dir, err)
		}
		for _, chunk := range matcher.Filter(names) {
			f, err := fsys.Open(fsys.Join(dir, chunk.Name))
			if err != nil {
				return 0, nil, xerrors.Wrap(xerrors.KindInternal, "discover", fsys.Join(dir, chunk.Name), err)
			}
			chunks = append(chunks, f)
			placements = append(placements, ledger.Placement{Root: root, Chunk: path.Join(t.dir, chunk.Name)})
		}
	}
	d.opts.Logger.Debug("collected chunks", zap.String("file", t.rel()), zap.Int("chunks", len(chunks)))

	out, err := fsys.OpenFile(area.Join(t.rel()), os.O_CREATE|os.O_EXCL|os.O_WRONLY, fs.FileMode)
	if err != nil {
		return 0, nil, xerrors.Wrap(xerrors.KindInternal, "reconstruct", t.rel(), err)
	}
	w := bufio.NewWriter(out)
	n, err := d.opts.Codec.Decode(ctx, w, chunks, d.opts.Strict)
	if err == nil {
		err = w.Flush()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, nil, codecError("reconstruct", t.rel(), err)
	}
	return n, placements, nil
}
