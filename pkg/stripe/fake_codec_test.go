package stripe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	billy "github.com/go-git/go-billy/v5"

	"github.com/jacktea/dirstripe/pkg/fec"
	"github.com/jacktea/dirstripe/pkg/naming"
)

// fakeCodec replicates the whole content into every chunk behind a one line
// header, so reconstruction needs no math but still honours the threshold.
type fakeCodec struct {
	// short names base files that get one chunk fewer than requested.
	short map[string]bool
}

func (c *fakeCodec) Encode(ctx context.Context, fsys billy.Filesystem, req fec.EncodeRequest) ([]string, error) {
	data, err := io.ReadAll(req.Content)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != req.Length {
		return nil, fmt.Errorf("fake: read %d bytes, want %d", len(data), req.Length)
	}
	n := req.N
	if c.short[req.Base] {
		n--
	}
	names := make([]string, 0, n)
	for i := 0; i < n; i++ {
		name := naming.Format(req.Base, i, req.N, req.Suffix)
		full := fsys.Join(req.Dir, name)
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if !req.Overwrite {
			flags |= os.O_EXCL
		}
		f, err := fsys.OpenFile(full, flags, 0o644)
		if os.IsExist(err) {
			return nil, fec.ErrExists
		}
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(f, "fake %d %d %d\n", req.K, req.N, i)
		f.Write(data)
		if err := f.Close(); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func (c *fakeCodec) Decode(ctx context.Context, sink io.Writer, chunks []fec.Chunk, strict bool) (int64, error) {
	var (
		k       int
		content []byte
		seen    = map[int]bool{}
	)
	for _, chunk := range chunks {
		r := bufio.NewReader(chunk)
		var ck, cn, share int
		if _, err := fmt.Fscanf(r, "fake %d %d %d\n", &ck, &cn, &share); err != nil {
			if strict {
				return 0, fec.ErrInvalidChunk
			}
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return 0, err
		}
		k = ck
		content = data
		seen[share] = true
	}
	if k == 0 || len(seen) < k {
		return 0, fec.ErrInsufficientShares
	}
	n, err := sink.Write(content)
	return int64(n), err
}
