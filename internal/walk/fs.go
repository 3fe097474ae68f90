// Package walk iterates the regular files of a directory tree.
package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
)

// Entry is a regular file found by a walk.
type Entry interface {
	// Name is the slash separated path relative to the walked root.
	Name() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// Root is a convenience wrapper around FS for os.Root. See FS for details.
func Root(ctx context.Context, root *os.Root) iter.Seq2[Entry, error] {
	return FS(ctx, root.FS())
}

// FS recursively walks fsys and returns a handle for every regular file
// found, or an error if reading a directory or file information fails. It
// does not follow symlinks. A canceled ctx is yielded as the last error.
func FS(ctx context.Context, fsys fs.FS) iter.Seq2[Entry, error] {
	if fsys == nil {
		panic("fsys is nil")
	}

	return func(yield func(Entry, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				yield(nil, ctxErr)
				return fs.SkipAll
			}
			if err != nil {
				if !yield(nil, err) {
					return fs.SkipAll
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			e := fsEntry{fsys: fsys, name: path, info: info, infoErr: err}
			if !yield(e, err) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(fsys, ".", fn)
	}
}

// fsEntry implements Entry for a filesystem
// it uses fsys.Open to open the file
type fsEntry struct {
	fsys    fs.FS
	name    string
	info    fs.FileInfo
	infoErr error
}

func (e fsEntry) Name() string {
	return e.name
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.fsys.Open(e.name)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
