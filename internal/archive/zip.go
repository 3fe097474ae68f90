// Package archive packs result directories and unpacks job payloads.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"github.com/CZERTAINLY/alrj/internal/walk"
)

var ErrUnsafePath = errors.New("unsafe path in archive")

// Zip implements the compression collaborator on zip archives.
type Zip struct{}

// Compress stores every regular file under dir into the archive dst. The
// archive is written next to dst and renamed once complete, so a crash never
// leaves a truncated archive behind under the final name.
func (Zip) Compress(ctx context.Context, dir, dst string) (err error) {
	src, err := os.OpenRoot(dir)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dir, err)
	}
	defer func() {
		_ = src.Close()
	}()

	part := dst + ".part"
	f, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(part)
		}
	}()

	w := zip.NewWriter(f)
	for e, walkErr := range walk.Root(ctx, src) {
		if walkErr != nil {
			err = fmt.Errorf("compressing %s: %w", dir, walkErr)
			return err
		}
		if err = addFile(w, e); err != nil {
			return fmt.Errorf("compressing %s: %w", e.Name(), err)
		}
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("finishing archive: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	return os.Rename(part, dst)
}

func addFile(w *zip.Writer, e walk.Entry) error {
	info, err := e.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = e.Name()
	hdr.Method = zip.Deflate

	in, err := e.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	out, err := w.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	return err
}

// Extract unpacks the archive src into dir. Entries escaping dir are
// rejected.
func (Zip) Extract(ctx context.Context, src, dir string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer func() {
		_ = r.Close()
	}()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dst, err := os.OpenRoot(dir)
	if err != nil {
		return err
	}
	defer func() {
		_ = dst.Close()
	}()

	for _, zf := range r.File {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := path.Clean(zf.Name)
		if !fs.ValidPath(name) {
			return fmt.Errorf("%q: %w", zf.Name, ErrUnsafePath)
		}
		if zf.FileInfo().IsDir() {
			if err := dst.MkdirAll(filepath.FromSlash(name), 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(dst, name, zf); err != nil {
			return fmt.Errorf("extracting %s: %w", zf.Name, err)
		}
	}
	return nil
}

func extractFile(dst *os.Root, name string, zf *zip.File) error {
	if dir := path.Dir(name); dir != "." {
		if err := dst.MkdirAll(filepath.FromSlash(dir), 0o755); err != nil {
			return err
		}
	}
	in, err := zf.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	out, err := dst.OpenFile(filepath.FromSlash(name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, zf.Mode().Perm()|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
