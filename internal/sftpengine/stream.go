package sftpengine

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"

	"pkt.systems/terminus/internal/transfer"
)

// pathLocks serializes writers of the same remote path.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

func (l *pathLocks) lock(p string) func() {
	p = path.Clean(p)
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*pathLock)
	}
	pl := l.locks[p]
	if pl == nil {
		pl = &pathLock{}
		l.locks[p] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, p)
		}
		l.mu.Unlock()
	}
}

// Put streams r into remotePath, replacing any existing file. Puts to the
// same path run one at a time. Cancelling ctx stops reading r and closes the
// remote handle.
func (e *Engine) Put(ctx context.Context, r io.Reader, remotePath string) (int64, error) {
	c, err := e.sftp()
	if err != nil {
		return 0, err
	}
	unlock := e.locks.lock(remotePath)
	defer unlock()

	f, err := c.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, remoteErr("put", remotePath, err)
	}
	n, err := transfer.Copy(ctx, f, r)
	cerr := f.Close()
	if err != nil {
		return n, remoteErr("put", remotePath, err)
	}
	return n, remoteErr("put", remotePath, cerr)
}

// Get streams remotePath into w.
func (e *Engine) Get(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	f, _, err := e.Open(remotePath)
	if err != nil {
		return 0, err
	}
	n, err := transfer.Copy(ctx, w, f)
	cerr := f.Close()
	if err != nil {
		return n, remoteErr("get", remotePath, err)
	}
	return n, remoteErr("get", remotePath, cerr)
}

// GetFile downloads remotePath to localPath.
func (e *Engine) GetFile(ctx context.Context, remotePath, localPath string) (int64, error) {
	out, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", localPath, err)
	}
	n, err := e.Get(ctx, remotePath, out)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", localPath, cerr)
	}
	return n, err
}

// Open returns a reader for remotePath and its size. Directories are
// refused.
func (e *Engine) Open(remotePath string) (io.ReadCloser, int64, error) {
	c, err := e.sftp()
	if err != nil {
		return nil, 0, err
	}
	f, err := c.Open(remotePath)
	if err != nil {
		return nil, 0, remoteErr("open", remotePath, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, remoteErr("open", remotePath, err)
	}
	if fi.IsDir() {
		_ = f.Close()
		return nil, 0, remoteErr("open", remotePath, ErrIsDirectory)
	}
	return f, fi.Size(), nil
}

// UploadDir mirrors localDir into remoteDir, creating directories as needed
// and skipping entries the filter excludes. wrap, if set, decorates every
// file reader, which lets callers count bytes.
func (e *Engine) UploadDir(ctx context.Context, localDir, remoteDir string, filter Filter, wrap func(io.Reader) io.Reader) error {
	if err := e.Mkdir(remoteDir, true); err != nil {
		return err
	}
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", transfer.ErrAborted, ctxErr)
		}
		if p == localDir {
			return nil
		}
		if filter != nil && filter(d.Name(), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		remote := path.Join(remoteDir, filepath.ToSlash(rel))
		if d.IsDir() {
			return e.Mkdir(remote, true)
		}
		if !d.Type().IsRegular() {
			e.logger.Debug("skipping non-regular file", "path", p)
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		var r io.Reader = f
		if wrap != nil {
			r = wrap(r)
		}
		_, err = e.Put(ctx, r, remote)
		return err
	})
}

// LocalTotal sums the sizes of the regular files UploadDir would send from
// localDir under filter.
func LocalTotal(localDir string, filter Filter) (int64, error) {
	var total int64
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == localDir {
			return nil
		}
		if filter != nil && filter(d.Name(), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
