package sftpengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"

	"pkt.systems/terminus/internal/transfer"
)

// ErrPathTraversal is returned for archive entries that escape the
// extraction root.
var ErrPathTraversal = errors.New("archive entry escapes extraction root")

const prefetchDepth = 2

// Entry is one file of a directory being packaged.
type Entry struct {
	// Name is the path inside the archive, relative to the packaged root.
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// Walk lists every regular file under root, depth first in name order,
// skipping entries (and whole directories) the filter excludes.
func (e *Engine) Walk(ctx context.Context, root string, filter Filter) ([]Entry, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var out []Entry
	var walk func(dir, rel string) error
	walk = func(dir, rel string) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", transfer.ErrAborted, err)
		}
		items, err := e.List(ctx, dir, filter)
		if err != nil {
			return err
		}
		for _, it := range items {
			name := path.Join(rel, it.Name)
			full := path.Join(dir, it.Name)
			switch it.Type {
			case "d":
				if err := walk(full, name); err != nil {
					return err
				}
			case "-":
				out = append(out, Entry{Name: name, Path: full, Size: it.Size, ModTime: time.UnixMilli(it.ModifyTime)})
			}
		}
		return nil
	}
	if err := walk(root, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// TotalSize sums the sizes of entries.
func TotalSize(entries []Entry) int64 {
	var total int64
	for _, ent := range entries {
		total += ent.Size
	}
	return total
}

type fetched struct {
	entry Entry
	file  io.ReadCloser
}

// PackageDirectory writes entries as a zip archive to sink while fetching
// them. Opening remote files runs ahead of compression by a bounded queue.
// progress, if set, receives the count of remote bytes read. On
// cancellation remaining fetches stop, open handles are closed and the
// partial archive is finalized.
func (e *Engine) PackageDirectory(ctx context.Context, entries []Entry, sink io.Writer, progress func(int64)) error {
	c, err := e.sftp()
	if err != nil {
		return err
	}
	zw := zip.NewWriter(sink)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	queue := make(chan fetched, prefetchDepth)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		for _, ent := range entries {
			f, err := c.Open(ent.Path)
			if err != nil {
				return remoteErr("open", ent.Path, err)
			}
			select {
			case queue <- fetched{entry: ent, file: f}:
			case <-gctx.Done():
				_ = f.Close()
				return fmt.Errorf("%w: %w", transfer.ErrAborted, gctx.Err())
			}
		}
		return nil
	})
	g.Go(func() error {
		for item := range queue {
			err := addEntry(gctx, zw, item, progress)
			_ = item.file.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})

	err = g.Wait()
	for item := range queue {
		_ = item.file.Close()
	}
	if cerr := zw.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("finalize archive: %w", cerr)
	}
	return err
}

func addEntry(ctx context.Context, zw *zip.Writer, item fetched, progress func(int64)) error {
	hdr := &zip.FileHeader{Name: item.entry.Name, Method: zip.Deflate}
	if !item.entry.ModTime.IsZero() {
		hdr.Modified = item.entry.ModTime
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add %s: %w", item.entry.Name, err)
	}
	var r io.Reader = item.file
	if progress != nil {
		r = &progressReader{r: r, fn: progress}
	}
	if _, err := transfer.Copy(ctx, w, r); err != nil {
		return remoteErr("package", item.entry.Path, err)
	}
	return nil
}

type progressReader struct {
	r  io.Reader
	fn func(int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.fn(int64(n))
	}
	return n, err
}

// ExtractResult lists what an extraction uploaded and skipped.
type ExtractResult struct {
	Directory string   `json:"directory"`
	Uploaded  []string `json:"uploaded"`
	Skipped   []string `json:"skipped"`
}

// ExtractAndRedistribute downloads the zip archive at archivePath into a
// directory under stagingRoot, unpacks it and uploads every top-level
// regular file into the archive's own directory. Nested directories are not
// uploaded; they are reported as skipped. Local files are removed on every
// path.
func (e *Engine) ExtractAndRedistribute(ctx context.Context, archivePath, stagingRoot string) (ExtractResult, error) {
	result := ExtractResult{Directory: path.Dir(archivePath)}
	if err := e.ready(); err != nil {
		return result, err
	}
	stage, err := os.MkdirTemp(stagingRoot, "extract-")
	if err != nil {
		return result, fmt.Errorf("create staging directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(stage); err != nil {
			e.logger.Warn("staging cleanup failed", "dir", stage, "err", err)
		}
	}()

	local := filepath.Join(stage, "archive.zip")
	if _, err := e.GetFile(ctx, archivePath, local); err != nil {
		return result, err
	}
	root := filepath.Join(stage, "out")
	if err := unzip(local, root); err != nil {
		return result, fmt.Errorf("extract %s: %w", archivePath, err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return result, fmt.Errorf("read extraction root: %w", err)
	}
	for _, ent := range entries {
		if !ent.Type().IsRegular() {
			e.logger.Info("skipping nested entry during extraction", "archive", archivePath, "entry", ent.Name())
			result.Skipped = append(result.Skipped, ent.Name())
			continue
		}
		if err := e.putLocal(ctx, filepath.Join(root, ent.Name()), path.Join(result.Directory, ent.Name())); err != nil {
			return result, err
		}
		result.Uploaded = append(result.Uploaded, ent.Name())
	}
	e.logger.Info("archive redistributed", "archive", archivePath, "uploaded", len(result.Uploaded), "skipped", len(result.Skipped))
	return result, nil
}

func (e *Engine) putLocal(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = e.Put(ctx, f, remotePath)
	return err
}

func unzip(archive, root string) error {
	// The reader is still returned alongside an insecure path error;
	// withinRoot rejects those names below.
	zr, err := zip.OpenReader(archive)
	if zr == nil {
		return err
	}
	defer zr.Close()
	if err := os.MkdirAll(root, 0o700); err != nil {
		return err
	}
	for _, zf := range zr.File {
		target, err := withinRoot(root, zf.Name)
		if err != nil {
			return fmt.Errorf("%s: %w", zf.Name, err)
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o700); err != nil {
				return err
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return err
		}
		if err := writeZipFile(zf, target); err != nil {
			return err
		}
	}
	return nil
}

func writeZipFile(zf *zip.File, target string) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// withinRoot maps an archive entry name under root, rejecting traversal.
func withinRoot(root, name string) (string, error) {
	rel := filepath.FromSlash(strings.TrimLeft(name, "/\\"))
	target := filepath.Clean(filepath.Join(root, rel))
	root = filepath.Clean(root)
	if target == root {
		return target, nil
	}
	if !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return target, nil
}
