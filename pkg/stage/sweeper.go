package stage

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jacktea/dirstripe/pkg/fs"
)

// SweepOptions configures a Sweeper.
type SweepOptions struct {
	FS        *fs.FS
	Dirs      []string
	OlderThan time.Duration
	Logger    *zap.Logger
	Now       func() time.Time
}

// Sweeper removes staging directories orphaned by runs that were killed
// before they could release them.
type Sweeper struct {
	fsys      *fs.FS
	dirs      []string
	olderThan time.Duration
	log       *zap.Logger
	now       func() time.Time
}

// NewSweeper wires a sweeper over the given parent directories.
func NewSweeper(opts SweepOptions) *Sweeper {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	olderThan := opts.OlderThan
	if olderThan <= 0 {
		olderThan = 24 * time.Hour
	}
	return &Sweeper{
		fsys:      opts.FS,
		dirs:      opts.Dirs,
		olderThan: olderThan,
		log:       log,
		now:       now,
	}
}

// Sweep deletes every staging directory older than the cutoff, returning how
// many were removed. Only direct children of the configured directories are
// considered.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.fsys == nil {
		return 0, fmt.Errorf("stage sweeper missing filesystem")
	}
	cutoff := s.now().Add(-s.olderThan)
	var total int
	for _, dir := range s.dirs {
		infos, err := s.fsys.ReadDir(dir)
		if errors.Is(err, iofs.ErrNotExist) {
			s.log.Debug("nothing to sweep", zap.String("dir", dir))
			continue
		}
		if err != nil {
			return total, err
		}
		for _, info := range infos {
			if err := ctx.Err(); err != nil {
				return total, err
			}
			if !info.IsDir() || !strings.HasPrefix(info.Name(), Prefix) {
				continue
			}
			if info.ModTime().After(cutoff) {
				s.log.Debug("staging area too recent to sweep", zap.String("name", info.Name()))
				continue
			}
			path := s.fsys.Join(dir, info.Name())
			if err := s.fsys.RemoveAll(path); err != nil {
				return total, err
			}
			s.log.Info("removed stale staging area", zap.String("path", path))
			total++
		}
	}
	return total, nil
}
