package fec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"sort"
	"sync"

	billy "github.com/go-git/go-billy/v5"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"storj.io/infectious"

	"github.com/jacktea/dirstripe/pkg/naming"
)

// DefaultBlockSize is the per-share block size of one stripe.
const DefaultBlockSize = 4096

// Options configures a ReedSolomon codec.
type Options struct {
	// BlockSize is the number of bytes each share contributes per stripe.
	BlockSize   int
	Compression Compression
	Logger      *zap.Logger
}

// ReedSolomon is a Codec backed by storj.io/infectious. Chunk files carry
// their own share set, so Decode needs no configuration.
type ReedSolomon struct {
	block       int
	compression Compression
	log         *zap.Logger

	mu   sync.Mutex
	fecs map[[2]int]*infectious.FEC
}

// NewReedSolomon returns a codec using opts.
func NewReedSolomon(opts Options) *ReedSolomon {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &ReedSolomon{
		block:       opts.BlockSize,
		compression: opts.Compression,
		log:         log,
		fecs:        make(map[[2]int]*infectious.FEC),
	}
}

func (r *ReedSolomon) fec(k, n int) (*infectious.FEC, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]int{k, n}
	if f, ok := r.fecs[key]; ok {
		return f, nil
	}
	f, err := infectious.NewFEC(k, n)
	if err != nil {
		return nil, err
	}
	r.fecs[key] = f
	return f, nil
}

// Encode implements Codec.
func (r *ReedSolomon) Encode(ctx context.Context, fsys billy.Filesystem, req EncodeRequest) (names []string, err error) {
	if req.K < 1 || req.N <= req.K || req.N > MaxShares {
		return nil, fmt.Errorf("fec: invalid share set %d-of-%d", req.K, req.N)
	}
	f, err := r.fec(req.K, req.N)
	if err != nil {
		return nil, err
	}
	names = make([]string, req.N)
	paths := make([]string, req.N)
	for i := range names {
		names[i] = naming.Format(req.Base, i, req.N, req.Suffix)
		paths[i] = fsys.Join(req.Dir, names[i])
		if req.Overwrite {
			continue
		}
		if _, err := fsys.Lstat(paths[i]); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrExists, paths[i])
		} else if !errors.Is(err, iofs.ErrNotExist) {
			return nil, err
		}
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !req.Overwrite {
		flags |= os.O_EXCL
	}
	files := make([]billy.File, 0, req.N)
	writers := make([]*bufio.Writer, 0, req.N)
	defer func() {
		for _, file := range files {
			file.Close()
		}
		if err != nil {
			for _, p := range paths[:len(files)] {
				fsys.Remove(p)
			}
		}
	}()
	for i, p := range paths {
		file, err := fsys.OpenFile(p, flags, 0o644)
		if err != nil {
			if errors.Is(err, iofs.ErrExist) {
				return nil, fmt.Errorf("%w: %s", ErrExists, p)
			}
			return nil, err
		}
		files = append(files, file)
		w := bufio.NewWriterSize(file, r.block*4)
		writers = append(writers, w)
		if err := writeHeader(w, header{
			Version:     formatVersion,
			K:           req.K,
			N:           req.N,
			Share:       i,
			Block:       r.block,
			Compression: r.compression,
		}); err != nil {
			return nil, err
		}
	}

	sw := &stripeWriter{ctx: ctx, fec: f, buf: make([]byte, req.K*r.block), out: writers}
	cw, err := compressWriter(r.compression, sw)
	if err != nil {
		return nil, err
	}
	hasher := blake3.New()
	read, err := io.Copy(cw, io.TeeReader(io.LimitReader(req.Content, req.Length), hasher))
	if err != nil {
		return nil, err
	}
	if read != req.Length {
		return nil, fmt.Errorf("fec: read %d bytes, expected %d", read, req.Length)
	}
	if err := cw.Close(); err != nil {
		return nil, err
	}
	if err := sw.Close(); err != nil {
		return nil, err
	}
	t := trailer{Payload: sw.written, Size: read, Checksum: hasher.Sum(nil)}
	for i, w := range writers {
		if err := writeTrailer(w, t); err != nil {
			return nil, err
		}
		if err := w.Flush(); err != nil {
			return nil, err
		}
		if err := files[i].Close(); err != nil {
			return nil, err
		}
	}
	files = files[:0]
	r.log.Debug("encoded chunks",
		zap.String("base", req.Base),
		zap.Int64("size", read),
		zap.Int64("payload", sw.written),
		zap.Int("k", req.K),
		zap.Int("n", req.N))
	return names, nil
}

// Decode implements Codec.
func (r *ReedSolomon) Decode(ctx context.Context, sink io.Writer, chunks []Chunk, strict bool) (int64, error) {
	var valid []*share
	for _, c := range chunks {
		s, err := readShare(c)
		if err != nil {
			if strict {
				return 0, fmt.Errorf("%w: %s: %v", ErrInvalidChunk, c.Name(), err)
			}
			r.log.Warn("ignoring unusable chunk", zap.String("chunk", c.Name()), zap.Error(err))
			continue
		}
		valid = append(valid, s)
	}
	groups := groupShares(valid)
	if strict && len(groups) > 1 {
		return 0, fmt.Errorf("%w: chunks from different encodes were mixed", ErrInvalidChunk)
	}
	if len(groups) == 0 {
		return 0, fmt.Errorf("%w: no usable chunks among %d", ErrInsufficientShares, len(chunks))
	}
	group, err := pickGroup(groups)
	if err != nil {
		return 0, err
	}
	ref := group[0]
	if len(group) < ref.header.K {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientShares, len(group), ref.header.K)
	}
	if len(groups) > 1 {
		r.log.Warn("ignoring chunks from another encode",
			zap.Int("groups", len(groups)), zap.Int("n", ref.header.N))
	}
	group = group[:ref.header.K]
	f, err := r.fec(ref.header.K, ref.header.N)
	if err != nil {
		return 0, err
	}
	for _, s := range group {
		if _, err := s.chunk.Seek(s.dataStart, io.SeekStart); err != nil {
			return 0, err
		}
	}

	sr := &stripeReader{
		ctx:       ctx,
		fec:       f,
		shares:    group,
		block:     ref.header.Block,
		remaining: ref.trailer.Payload,
		buf:       make([]byte, ref.header.K*ref.header.Block),
		scratch:   make([]byte, ref.header.K*ref.header.Block),
	}
	plain, closeFn, err := decompressReader(ref.header.Compression, sr)
	if err != nil {
		return 0, err
	}
	defer closeFn()
	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(sink, hasher), plain)
	if err != nil {
		return n, err
	}
	if n != ref.trailer.Size || !bytes.Equal(hasher.Sum(nil), ref.trailer.Checksum) {
		return n, fmt.Errorf("%w: rebuilt %d of %d bytes", ErrChecksum, n, ref.trailer.Size)
	}
	return n, nil
}

// groupShares partitions shares into sets cut from the same encode, each
// reduced to distinct share numbers.
func groupShares(shares []*share) [][]*share {
	var groups [][]*share
	used := make([]bool, len(shares))
	for i, s := range shares {
		if used[i] {
			continue
		}
		group := []*share{s}
		used[i] = true
		for j := i + 1; j < len(shares); j++ {
			if !used[j] && s.compatible(shares[j]) {
				group = append(group, shares[j])
				used[j] = true
			}
		}
		groups = append(groups, distinct(group))
	}
	return groups
}

// pickGroup selects the group to rebuild from. Groups able to reach their
// threshold beat those that cannot, then more shares beat fewer. Two
// rebuildable groups of the same size are ambiguous.
func pickGroup(groups [][]*share) ([]*share, error) {
	var best []*share
	tie := false
	for _, g := range groups {
		ok, bestOK := len(g) >= g[0].header.K, best != nil && len(best) >= best[0].header.K
		switch {
		case best == nil, ok && !bestOK, ok == bestOK && len(g) > len(best):
			best, tie = g, false
		case ok && bestOK && len(g) == len(best):
			tie = true
		}
	}
	if tie {
		return nil, fmt.Errorf("%w: %d chunks each from two different encodes", ErrInvalidChunk, len(best))
	}
	return best, nil
}

// distinct drops repeated share numbers and orders by share number.
func distinct(shares []*share) []*share {
	sort.SliceStable(shares, func(i, j int) bool { return shares[i].header.Share < shares[j].header.Share })
	out := shares[:0:0]
	for _, s := range shares {
		if len(out) > 0 && out[len(out)-1].header.Share == s.header.Share {
			continue
		}
		out = append(out, s)
	}
	return out
}

// stripeWriter cuts the payload into k*block stripes and writes one block of
// every stripe to each share.
type stripeWriter struct {
	ctx     context.Context
	fec     *infectious.FEC
	buf     []byte
	n       int
	out     []*bufio.Writer
	written int64
}

func (w *stripeWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		c := copy(w.buf[w.n:], p)
		w.n += c
		p = p[c:]
		total += c
		if w.n == len(w.buf) {
			if err := w.flush(); err != nil {
				return total, err
			}
		}
	}
	w.written += int64(total)
	return total, nil
}

func (w *stripeWriter) flush() error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	clear(w.buf[w.n:])
	var werr error
	err := w.fec.Encode(w.buf, func(s infectious.Share) {
		if werr == nil {
			_, werr = w.out[s.Number].Write(s.Data)
		}
	})
	w.n = 0
	if err != nil {
		return err
	}
	return werr
}

// Close pads and writes the final partial stripe.
func (w *stripeWriter) Close() error {
	if w.n == 0 {
		return nil
	}
	return w.flush()
}

// stripeReader rebuilds the payload stripe by stripe from k shares.
type stripeReader struct {
	ctx       context.Context
	fec       *infectious.FEC
	shares    []*share
	block     int
	remaining int64
	buf       []byte
	scratch   []byte
	off, end  int
}

func (r *stripeReader) Read(p []byte) (int, error) {
	if r.off == r.end {
		if r.remaining == 0 {
			return 0, io.EOF
		}
		if err := r.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.buf[r.off:r.end])
	r.off += n
	return n, nil
}

func (r *stripeReader) next() error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	in := make([]infectious.Share, len(r.shares))
	for i, s := range r.shares {
		data := r.scratch[i*r.block : (i+1)*r.block]
		if _, err := io.ReadFull(s.chunk, data); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidChunk, s.chunk.Name(), err)
		}
		in[i] = infectious.Share{Number: s.header.Share, Data: data}
	}
	err := r.fec.Rebuild(in, func(s infectious.Share) {
		copy(r.buf[s.Number*r.block:(s.Number+1)*r.block], s.Data)
	})
	if err != nil {
		return err
	}
	take := int64(len(r.buf))
	if r.remaining < take {
		take = r.remaining
	}
	r.remaining -= take
	r.off, r.end = 0, int(take)
	return nil
}
