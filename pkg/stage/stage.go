// Package stage owns the scratch directories a stripe run works in and the
// directory skeletons it mirrors between trees.
package stage

import (
	"errors"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/jacktea/dirstripe/pkg/fs"
)

// Prefix starts the name of every staging directory.
const Prefix = ".stripe-staging-"

var errReleased = errors.New("stage: staging area already released")

// Area is a private staging directory owned by one run. Callers defer
// Discard right after Acquire; Commit hands the contents over to a
// destination instead.
type Area struct {
	fsys *fs.FS
	path string
	log  *zap.Logger

	mu   sync.Mutex
	done bool
}

// Acquire creates a fresh staging directory under dir (the filesystem's temp
// dir when empty).
func Acquire(fsys *fs.FS, dir string, log *zap.Logger) (*Area, error) {
	if log == nil {
		log = zap.NewNop()
	}
	path, err := fsys.MkdirTemp(dir, Prefix)
	if err != nil {
		return nil, err
	}
	log.Debug("staging area acquired", zap.String("path", path))
	return &Area{fsys: fsys, path: path, log: log}, nil
}

// Path returns the staging directory.
func (a *Area) Path() string { return a.path }

// Join resolves a slash separated relative path inside the staging area.
func (a *Area) Join(rel string) string { return a.fsys.Resolve(a.path, rel) }

// Release removes the staging directory and everything below it. It is safe
// to call more than once and does nothing after Commit.
func (a *Area) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return nil
	}
	a.done = true
	a.log.Debug("removing staging area", zap.String("path", a.path))
	return a.fsys.RemoveAll(a.path)
}

// Discard is Release for use in defer: a failure is logged as a warning
// with the path left behind.
func (a *Area) Discard() {
	if err := a.Release(); err != nil {
		a.log.Warn("could not remove staging area", zap.String("path", a.path), zap.Error(err))
	}
}

// Commit publishes the staging directory as dest with a rename. An existing
// dest is moved aside first and only deleted once the new tree is in place;
// if the publish fails the previous dest is put back.
func (a *Area) Commit(dest string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return errReleased
	}
	exists, err := a.fsys.Exists(dest)
	if err != nil {
		return err
	}
	var backup string
	if exists {
		backup = filepath.Join(filepath.Dir(dest), filepath.Base(a.path)+".previous")
		if err := a.fsys.Rename(dest, backup); err != nil {
			return err
		}
		a.log.Debug("moved existing destination aside", zap.String("dest", dest), zap.String("backup", backup))
	}
	if err := a.fsys.Rename(a.path, dest); err != nil {
		if backup != "" {
			if rerr := a.fsys.Rename(backup, dest); rerr != nil {
				a.log.Error("could not restore previous destination", zap.String("backup", backup), zap.Error(rerr))
			}
		}
		return err
	}
	a.done = true
	a.log.Debug("renamed staging area into place", zap.String("staging", a.path), zap.String("dest", dest))
	if backup != "" {
		if err := a.fsys.RemoveAll(backup); err != nil {
			a.log.Warn("could not remove previous destination", zap.String("backup", backup), zap.Error(err))
		}
	}
	return nil
}
