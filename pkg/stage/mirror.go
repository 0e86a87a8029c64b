package stage

import (
	"github.com/jacktea/dirstripe/pkg/fs"
)

// EnsureDirs creates root and every relative directory in dirs below it.
// Directories that already exist are left alone, so concurrent callers and
// repeated runs are harmless.
func EnsureDirs(fsys *fs.FS, root string, dirs []string) error {
	if err := fsys.MkdirAll(root, fs.DirMode); err != nil {
		return err
	}
	for _, rel := range dirs {
		if err := fsys.MkdirAll(fsys.Resolve(root, rel), fs.DirMode); err != nil {
			return err
		}
	}
	return nil
}

// Mirror recreates the sub-directory skeleton of src below dst. The source is
// enumerated completely before anything is created.
func Mirror(fsys *fs.FS, src, dst string) (fs.Tree, error) {
	tree, err := fsys.Scan(src)
	if err != nil {
		return fs.Tree{}, err
	}
	if err := EnsureDirs(fsys, dst, tree.Dirs); err != nil {
		return fs.Tree{}, err
	}
	return tree, nil
}
