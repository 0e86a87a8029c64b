// Package fs is the filesystem seam used by the stripe orchestrator. It wraps
// go-billy so the same code runs against the local disk and an in-memory tree.
package fs

import (
	"errors"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

const (
	// DirMode is applied to every directory the orchestrator creates.
	DirMode os.FileMode = 0o755
	// FileMode is applied to chunk and reconstructed files.
	FileMode os.FileMode = 0o644

	tempPrefix = ".stripe-tmp-"
)

// FS is a billy.Filesystem with the few helpers billy lacks.
type FS struct {
	billy.Filesystem
	mkdirTemp func(dir, prefix string) (string, error)
	tempDir   string
}

// NewLocal returns an FS over the host filesystem. Paths must be absolute.
func NewLocal() *FS {
	return &FS{
		Filesystem: osfs.New("/"),
		mkdirTemp: func(dir, prefix string) (string, error) {
			return os.MkdirTemp(dir, prefix+"*")
		},
		tempDir: os.TempDir(),
	}
}

// NewMemory returns an empty in-memory FS.
func NewMemory() *FS {
	mem := memfs.New()
	return &FS{
		Filesystem: mem,
		mkdirTemp: func(dir, prefix string) (string, error) {
			return util.TempDir(mem, dir, prefix)
		},
		tempDir: "/tmp",
	}
}

// TempDir is the default parent for scratch directories.
func (f *FS) TempDir() string { return f.tempDir }

// MkdirTemp creates a new uniquely named directory under dir. An empty dir
// selects TempDir.
func (f *FS) MkdirTemp(dir, prefix string) (string, error) {
	if dir == "" {
		dir = f.tempDir
	}
	if err := f.MkdirAll(dir, DirMode); err != nil {
		return "", err
	}
	return f.mkdirTemp(dir, prefix)
}

// Exists reports whether name exists.
func (f *FS) Exists(name string) (bool, error) {
	_, err := f.Lstat(name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, iofs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// IsDir reports whether name exists and is a directory.
func (f *FS) IsDir(name string) (bool, error) {
	info, err := f.Stat(name)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// RemoveAll removes name and any children it contains. A missing name is
// not an error.
func (f *FS) RemoveAll(name string) error {
	ok, err := f.Exists(name)
	if err != nil || !ok {
		return err
	}
	return util.RemoveAll(f.Filesystem, name)
}

// ReadDirNames returns the sorted names of the files in dir, counting
// symlinks to regular files as files.
func (f *FS) ReadDirNames(dir string) ([]string, error) {
	infos, err := f.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if f.isFile(f.Join(dir, info.Name()), info) {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// CopyFile copies src to dst through a temporary file in dst's directory so
// a partially written dst is never visible under its final name.
func (f *FS) CopyFile(src, dst string) (int64, error) {
	in, err := f.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	tmp, err := f.TempFile(filepath.Dir(dst), tempPrefix)
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, in)
	if err != nil {
		tmp.Close()
		f.Remove(tmpName)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		f.Remove(tmpName)
		return 0, err
	}
	if err := f.Rename(tmpName, dst); err != nil {
		f.Remove(tmpName)
		return 0, err
	}
	return n, nil
}

// Tree is the result of scanning a directory tree. All paths are relative to
// the scanned root and slash separated; parents precede children and
// siblings are in lexical order.
type Tree struct {
	Dirs    []string
	Files   []string
	Skipped []string
}

// Scan enumerates root without mutating anything. Regular files and
// symlinks to regular files land in Files, sub-directories in Dirs, anything
// else (dangling or directory symlinks, devices, fifos) in Skipped. Linked
// directories are not followed. Scratch files left by CopyFile are ignored.
func (f *FS) Scan(root string) (Tree, error) {
	var tree Tree
	if err := f.scan(root, "", &tree); err != nil {
		return Tree{}, err
	}
	return tree, nil
}

func (f *FS) scan(root, rel string, tree *Tree) error {
	infos, err := f.ReadDir(f.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	for _, info := range infos {
		child := path.Join(rel, info.Name())
		switch {
		case info.IsDir():
			tree.Dirs = append(tree.Dirs, child)
			if err := f.scan(root, child, tree); err != nil {
				return err
			}
		case f.isFile(f.Resolve(root, child), info):
			if strings.HasPrefix(info.Name(), tempPrefix) {
				continue
			}
			tree.Files = append(tree.Files, child)
		default:
			tree.Skipped = append(tree.Skipped, child)
		}
	}
	return nil
}

// isFile reports whether the entry at name is a regular file or a symlink
// resolving to one.
func (f *FS) isFile(name string, info os.FileInfo) bool {
	if info.Mode().IsRegular() {
		return true
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return false
	}
	target, err := f.Stat(name)
	return err == nil && target.Mode().IsRegular()
}

// Resolve joins a slash separated relative path onto root.
func (f *FS) Resolve(root, rel string) string {
	if rel == "" || rel == "." {
		return root
	}
	return f.Join(root, filepath.FromSlash(rel))
}

var _ billy.Filesystem = (*FS)(nil)
