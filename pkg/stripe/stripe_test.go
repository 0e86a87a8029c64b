package stripe

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jacktea/dirstripe/pkg/fec"
	stripefs "github.com/jacktea/dirstripe/pkg/fs"
	"github.com/jacktea/dirstripe/pkg/ledger"
	"github.com/jacktea/dirstripe/pkg/xerrors"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func roots(t *testing.T, n int) []string {
	t.Helper()
	base := t.TempDir()
	out := make([]string, n)
	for i := range out {
		out[i] = filepath.Join(base, "d"+string(rune('1'+i)))
	}
	return out
}

func newPair(t *testing.T, codec fec.Codec, mutate func(*Options)) (*Encoder, *Decoder) {
	t.Helper()
	opts := Options{FS: stripefs.NewLocal(), Codec: codec, WorkDir: t.TempDir()}
	if mutate != nil {
		mutate(&opts)
	}
	enc, err := NewEncoder(opts)
	require.NoError(t, err)
	opts.WorkDir = ""
	dec, err := NewDecoder(opts)
	require.NoError(t, err)
	return enc, dec
}

func requireKind(t *testing.T, err error, kind xerrors.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, xerrors.KindOf(err), "unexpected error %v", err)
}

func TestEncodeFansOutOneChunkPerRoot(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	writeTree(t, source, map[string]string{"a.txt": "hello"})
	outputs := roots(t, 3)
	enc, _ := newPair(t, &fakeCodec{}, nil)

	res, err := enc.Encode(ctx, source, ShareSet{K: 2}, outputs, false)
	require.NoError(t, err)
	require.Equal(t, EncodeResult{Files: 1, Chunks: 3, Bytes: 5, Distributed: []string{"a.txt"}}, res)
	for i, root := range outputs {
		entries, err := os.ReadDir(root)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, "a.txt."+string(rune('0'+i))+"_3.fec", entries[0].Name())
	}
}

func TestScenarioTwoOfThree(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	writeTree(t, source, map[string]string{"a.txt": "hello"})
	outputs := roots(t, 3)
	enc, dec := newPair(t, fec.NewReedSolomon(fec.Options{}), nil)

	_, err := enc.Encode(ctx, source, ShareSet{K: 2}, outputs, false)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(outputs[1], "a.txt.1_3.fec")))

	dest := filepath.Join(t.TempDir(), "restored")
	res, err := dec.Decode(ctx, []string{outputs[0], outputs[2]}, dest, false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Files)
	require.Equal(t, map[string]string{"a.txt": "hello"}, readTree(t, dest))

	missing := filepath.Join(t.TempDir(), "never")
	_, err = dec.Decode(ctx, []string{outputs[0]}, missing, false)
	requireKind(t, err, xerrors.KindInsufficientShares)
	require.Equal(t, 8, xerrors.ExitCode(err))
	require.NoDirExists(t, missing)
}

func TestRoundTripAnyKRoots(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	files := map[string]string{
		"top.txt":           "top level",
		"empty.bin":         "",
		"docs/readme.md":    strings.Repeat("readme ", 2000),
		"docs/deep/x/y.dat": strings.Repeat("\x00\x01\x02", 5000),
		"same/readme.md":    "different file, same name",
	}
	writeTree(t, source, files)
	require.NoError(t, os.MkdirAll(filepath.Join(source, "hollow", "dir"), 0o755))
	outputs := roots(t, 4)

	for _, concurrency := range []int{1, 4} {
		enc, dec := newPair(t, fec.NewReedSolomon(fec.Options{BlockSize: 512, Compression: fec.CompressionZstd}), func(o *Options) {
			o.Concurrency = concurrency
		})
		_, err := enc.Encode(ctx, source, ShareSet{K: 2}, outputs, true)
		require.NoError(t, err)
		require.DirExists(t, filepath.Join(outputs[3], "hollow", "dir"))

		subsets := [][]string{
			{outputs[0], outputs[1]},
			{outputs[2], outputs[3]},
			{outputs[3], outputs[0]},
			outputs,
		}
		for _, inputs := range subsets {
			dest := filepath.Join(t.TempDir(), "out")
			res, err := dec.Decode(ctx, inputs, dest, false)
			require.NoError(t, err)
			require.Equal(t, len(files), res.Files)
			require.Equal(t, files, readTree(t, dest))
			require.DirExists(t, filepath.Join(dest, "hollow", "dir"))
		}
	}
}

func TestThresholdBoundary(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	writeTree(t, source, map[string]string{"f.txt": "payload"})
	outputs := roots(t, 5)
	enc, dec := newPair(t, &fakeCodec{}, nil)
	_, err := enc.Encode(ctx, source, ShareSet{K: 3}, outputs, false)
	require.NoError(t, err)

	// N-K shares gone: still recoverable.
	require.NoError(t, os.Remove(filepath.Join(outputs[0], "f.txt.0_5.fec")))
	require.NoError(t, os.Remove(filepath.Join(outputs[4], "f.txt.4_5.fec")))
	dest := filepath.Join(t.TempDir(), "ok")
	_, err = dec.Decode(ctx, outputs, dest, false)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"f.txt": "payload"}, readTree(t, dest))

	// One more gone: insufficient, and the existing dest is untouched.
	require.NoError(t, os.Remove(filepath.Join(outputs[2], "f.txt.2_5.fec")))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "marker"), []byte("keep"), 0o644))
	_, err = dec.Decode(ctx, outputs, dest, true)
	requireKind(t, err, xerrors.KindInsufficientShares)
	require.Equal(t, map[string]string{"f.txt": "payload", "marker": "keep"}, readTree(t, dest))
}

func TestEncodeOverwritePolicy(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	writeTree(t, source, map[string]string{"a.txt": "first"})
	outputs := roots(t, 3)
	enc, _ := newPair(t, &fakeCodec{}, nil)

	_, err := enc.Encode(ctx, source, ShareSet{K: 2}, outputs, false)
	require.NoError(t, err)
	before := readTree(t, outputs[0])

	writeTree(t, source, map[string]string{"a.txt": "second"})
	res, err := enc.Encode(ctx, source, ShareSet{K: 2}, outputs, false)
	requireKind(t, err, xerrors.KindAlreadyExists)
	require.Equal(t, xerrors.ClassIntegrity, xerrors.ClassOf(err))
	require.Equal(t, 6, xerrors.ExitCode(err))
	require.Empty(t, res.Distributed)
	require.Equal(t, before, readTree(t, outputs[0]))

	_, err = enc.Encode(ctx, source, ShareSet{K: 2}, outputs, true)
	require.NoError(t, err)
	require.Contains(t, readTree(t, outputs[0])["a.txt.0_3.fec"], "second")
}

func TestEncodeChunkCountMismatchKeepsEarlierFiles(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	writeTree(t, source, map[string]string{"a.txt": "a", "b.txt": "b", "c.txt": "c"})
	outputs := roots(t, 3)
	workDir := t.TempDir()
	enc, _ := newPair(t, &fakeCodec{short: map[string]bool{"b.txt": true}}, func(o *Options) {
		o.WorkDir = workDir
	})

	res, err := enc.Encode(ctx, source, ShareSet{K: 2}, outputs, false)
	requireKind(t, err, xerrors.KindChunkCountMismatch)
	require.Equal(t, 7, xerrors.ExitCode(err))
	require.Equal(t, []string{"a.txt"}, res.Distributed)
	for _, root := range outputs {
		tree := readTree(t, root)
		require.Len(t, tree, 1, "only a.txt reaches %s", root)
	}
	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	require.Empty(t, entries, "staging area must be released")
}

func TestDecodeDestinationAtomicity(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	writeTree(t, source, map[string]string{"1.txt": "one", "2.txt": "two", "3.txt": "three"})
	outputs := roots(t, 3)
	enc, dec := newPair(t, &fakeCodec{}, nil)
	_, err := enc.Encode(ctx, source, ShareSet{K: 2}, outputs, false)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(outputs[0], "2.txt.0_3.fec")))
	require.NoError(t, os.Remove(filepath.Join(outputs[1], "2.txt.1_3.fec")))

	parent := t.TempDir()
	dest := filepath.Join(parent, "dest")
	_, err = dec.Decode(ctx, outputs, dest, false)
	requireKind(t, err, xerrors.KindInsufficientShares)
	require.NoDirExists(t, dest)
	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	require.Empty(t, entries, "no staging residue next to dest")

	writeTree(t, dest, map[string]string{"old.txt": "old"})
	_, err = dec.Decode(ctx, outputs, dest, true)
	requireKind(t, err, xerrors.KindInsufficientShares)
	require.Equal(t, map[string]string{"old.txt": "old"}, readTree(t, dest))
}

func TestDecodeExistingDestination(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	writeTree(t, source, map[string]string{"a.txt": "new"})
	outputs := roots(t, 2)
	enc, dec := newPair(t, &fakeCodec{}, nil)
	_, err := enc.Encode(ctx, source, ShareSet{K: 1}, outputs, false)
	require.NoError(t, err)

	dest := t.TempDir()
	writeTree(t, dest, map[string]string{"stale.txt": "stale"})
	_, err = dec.Decode(ctx, outputs, dest, false)
	requireKind(t, err, xerrors.KindAlreadyExists)
	require.Equal(t, xerrors.ClassPreflight, xerrors.ClassOf(err))
	require.Equal(t, map[string]string{"stale.txt": "stale"}, readTree(t, dest))

	_, err = dec.Decode(ctx, outputs, dest, true)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a.txt": "new"}, readTree(t, dest))
}

func TestDecodeUnionsInputRoots(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	writeTree(t, source, map[string]string{"a.txt": "a", "sub/b.txt": "b"})
	outputs := roots(t, 3)
	enc, dec := newPair(t, &fakeCodec{}, nil)
	_, err := enc.Encode(ctx, source, ShareSet{K: 2}, outputs, false)
	require.NoError(t, err)

	// The first root lost a whole sub-tree and one chunk.
	require.NoError(t, os.RemoveAll(filepath.Join(outputs[0], "sub")))
	require.NoError(t, os.Remove(filepath.Join(outputs[0], "a.txt.0_3.fec")))

	dest := filepath.Join(t.TempDir(), "dest")
	res, err := dec.Decode(ctx, outputs, dest, false)
	require.NoError(t, err)
	require.Equal(t, 2, res.Files)
	require.Equal(t, map[string]string{"a.txt": "a", "sub/b.txt": "b"}, readTree(t, dest))
}

func TestDecodeSkipsForeignFiles(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	writeTree(t, source, map[string]string{"a.txt": "a"})
	outputs := roots(t, 2)
	enc, dec := newPair(t, &fakeCodec{}, nil)
	_, err := enc.Encode(ctx, source, ShareSet{K: 1}, outputs, false)
	require.NoError(t, err)
	writeTree(t, outputs[1], map[string]string{"notes.txt": "not a chunk"})

	dest := filepath.Join(t.TempDir(), "dest")
	res, err := dec.Decode(ctx, outputs, dest, false)
	require.NoError(t, err)
	require.Equal(t, []string{"notes.txt"}, res.Skipped)
	require.Equal(t, map[string]string{"a.txt": "a"}, readTree(t, dest))
}

func TestEncodePreconditions(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	writeTree(t, source, map[string]string{"a.txt": "a"})
	outputs := roots(t, 3)
	enc, _ := newPair(t, &fakeCodec{}, nil)

	testcases := []struct {
		name    string
		source  string
		k       int
		outputs []string
		kind    xerrors.Kind
	}{
		{name: "no source", source: "", k: 2, outputs: outputs, kind: xerrors.KindNoInput},
		{name: "missing source", source: filepath.Join(source, "nope"), k: 2, outputs: outputs, kind: xerrors.KindNoInput},
		{name: "zero threshold", source: source, k: 0, outputs: outputs, kind: xerrors.KindNoShares},
		{name: "no outputs", source: source, k: 1, outputs: nil, kind: xerrors.KindNoOutput},
		{name: "single output", source: source, k: 1, outputs: outputs[:1], kind: xerrors.KindInsufficientRoots},
		{name: "threshold equals outputs", source: source, k: 3, outputs: outputs, kind: xerrors.KindInsufficientRoots},
		{name: "duplicate outputs", source: source, k: 1, outputs: []string{outputs[0], outputs[0] + "/"}, kind: xerrors.KindInsufficientRoots},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := enc.Encode(ctx, tc.source, ShareSet{K: tc.k}, tc.outputs, false)
			requireKind(t, err, tc.kind)
			require.Equal(t, xerrors.ClassArgument, xerrors.ClassOf(err))
			for _, root := range outputs {
				require.NoDirExists(t, root)
			}
		})
	}
}

func TestDecodePreconditions(t *testing.T) {
	ctx := context.Background()
	input := t.TempDir()
	_, dec := newPair(t, &fakeCodec{}, nil)

	_, err := dec.Decode(ctx, []string{input}, "", false)
	requireKind(t, err, xerrors.KindNoOutput)
	_, err = dec.Decode(ctx, nil, filepath.Join(t.TempDir(), "x"), false)
	requireKind(t, err, xerrors.KindNoInput)
	_, err = dec.Decode(ctx, []string{filepath.Join(input, "missing")}, filepath.Join(t.TempDir(), "x"), false)
	requireKind(t, err, xerrors.KindNoInput)
	require.Equal(t, 2, xerrors.ExitCode(err))
}

func TestJournalRecordsRuns(t *testing.T) {
	ctx := context.Background()
	store, err := ledger.Open(ledger.Config{Path: filepath.Join(t.TempDir(), "ledger.db"), NoSync: true})
	require.NoError(t, err)
	defer store.Close()

	source := t.TempDir()
	writeTree(t, source, map[string]string{"a.txt": "hello", "d/b.txt": "bye"})
	outputs := roots(t, 3)
	enc, dec := newPair(t, &fakeCodec{}, func(o *Options) { o.Journal = store })
	_, err = enc.Encode(ctx, source, ShareSet{K: 2}, outputs, false)
	require.NoError(t, err)
	_, err = dec.Decode(ctx, outputs[:1], filepath.Join(t.TempDir(), "dest"), false)
	require.Error(t, err)

	runs, err := store.Runs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, ledger.KindDecode, runs[0].Kind)
	require.Equal(t, ledger.StatusFailed, runs[0].Status)
	require.Equal(t, ledger.KindEncode, runs[1].Kind)
	require.Equal(t, ledger.StatusSucceeded, runs[1].Status)
	require.Equal(t, 2, runs[1].Files)
	require.EqualValues(t, 8, runs[1].Bytes)

	files, err := store.Files(ctx, runs[1].ID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, "a.txt", files[0].Path)
	require.Equal(t, ledger.Placement{Root: outputs[2], Chunk: "d/b.txt.2_3.fec"}, files[1].Placements[2])
}

func TestOptionsRequireCollaborators(t *testing.T) {
	_, err := NewEncoder(Options{Codec: &fakeCodec{}})
	require.Error(t, err)
	_, err = NewDecoder(Options{FS: stripefs.NewLocal()})
	require.Error(t, err)
}

func TestRoundTripFollowsFileSymlinks(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	writeTree(t, source, map[string]string{"a.txt": "hello"})
	target := filepath.Join(t.TempDir(), "elsewhere.txt")
	require.NoError(t, os.WriteFile(target, []byte("linked content"), 0o644))
	require.NoError(t, os.Symlink(target, filepath.Join(source, "link.txt")))
	require.NoError(t, os.Symlink(filepath.Join(source, "missing"), filepath.Join(source, "dangling")))
	outputs := roots(t, 3)
	enc, dec := newPair(t, fec.NewReedSolomon(fec.Options{}), nil)

	res, err := enc.Encode(ctx, source, ShareSet{K: 2}, outputs, false)
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt", "link.txt"}, res.Distributed)

	dest := filepath.Join(t.TempDir(), "dest")
	_, err = dec.Decode(ctx, outputs[1:], dest, false)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a.txt": "hello", "link.txt": "linked content"}, readTree(t, dest))
}

func TestDecodeReportsListingCache(t *testing.T) {
	ctx := context.Background()
	source := t.TempDir()
	writeTree(t, source, map[string]string{"a.txt": "a", "b.txt": "b"})
	outputs := roots(t, 2)
	core, logs := observer.New(zap.DebugLevel)
	enc, dec := newPair(t, &fakeCodec{}, func(o *Options) { o.Logger = zap.New(core) })
	_, err := enc.Encode(ctx, source, ShareSet{K: 1}, outputs, false)
	require.NoError(t, err)

	_, err = dec.Decode(ctx, outputs, filepath.Join(t.TempDir(), "dest"), false)
	require.NoError(t, err)
	entries := logs.FilterMessage("directory listing cache").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.EqualValues(t, 2, fields["misses"], "one listing per root")
	require.EqualValues(t, 2, fields["hits"], "second file reuses both listings")
}
