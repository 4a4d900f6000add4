// Package sftpengine performs remote file operations over SFTP: listing,
// mutation, single file streaming, directory packaging and archive
// extraction.
package sftpengine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
	"pkt.systems/terminus/internal/sshconn"
)

// Engine errors.
var (
	ErrNotConnected = errors.New("sftp not connected")
	ErrIsDirectory  = errors.New("is a directory")
	ErrNotDirectory = errors.New("not a directory")
)

// RemoteIOError reports a failed remote operation.
type RemoteIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *RemoteIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *RemoteIOError) Unwrap() error { return e.Err }

func remoteErr(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var rerr *RemoteIOError
	if errors.As(err, &rerr) {
		return err
	}
	return &RemoteIOError{Op: op, Path: p, Err: err}
}

// Rights are the permission letters of one class, such as "rwx" or "r".
type Rights struct {
	User  string `json:"user"`
	Group string `json:"group"`
	Other string `json:"other"`
}

// FileInfo describes a remote file.
type FileInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Size       int64  `json:"size"`
	ModifyTime int64  `json:"modifyTime"`
	AccessTime int64  `json:"accessTime"`
	Rights     Rights `json:"rights"`
	Owner      uint32 `json:"owner"`
	Group      uint32 `json:"group"`
}

// IsDir reports whether the entry is a directory.
func (f FileInfo) IsDir() bool { return f.Type == "d" }

func toFileInfo(fi os.FileInfo) FileInfo {
	out := FileInfo{
		Name:       fi.Name(),
		Type:       "-",
		Size:       fi.Size(),
		ModifyTime: fi.ModTime().UnixMilli(),
		AccessTime: fi.ModTime().UnixMilli(),
	}
	switch mode := fi.Mode(); {
	case mode.IsDir():
		out.Type = "d"
	case mode&fs.ModeSymlink != 0:
		out.Type = "l"
	}
	perm := fi.Mode().Perm()
	out.Rights = Rights{
		User:  rights(uint32(perm>>6) & 7),
		Group: rights(uint32(perm>>3) & 7),
		Other: rights(uint32(perm) & 7),
	}
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		out.Owner = st.UID
		out.Group = st.GID
		out.AccessTime = int64(st.Atime) * 1000
	}
	return out
}

func rights(bits uint32) string {
	b := make([]byte, 0, 3)
	if bits&4 != 0 {
		b = append(b, 'r')
	}
	if bits&2 != 0 {
		b = append(b, 'w')
	}
	if bits&1 != 0 {
		b = append(b, 'x')
	}
	return string(b)
}

// Engine wraps one SFTP connection.
type Engine struct {
	client *sftp.Client
	closer func() error
	logger pslog.Logger
	locks  pathLocks

	mu     sync.Mutex
	closed bool
}

// New wraps an established SFTP client. closer, if set, runs after the
// client is closed.
func New(client *sftp.Client, closer func() error, logger pslog.Logger) *Engine {
	if logger == nil {
		logger = pslog.LoggerFromEnv()
	}
	e := &Engine{
		client: client,
		closer: closer,
		logger: logger.With("component", "sftp"),
	}
	go func() {
		_ = client.Wait()
		e.markClosed()
	}()
	return e
}

// FromSSH opens the SFTP subsystem on an existing SSH connection. The SSH
// connection stays open when the engine closes.
func FromSSH(conn *ssh.Client, logger pslog.Logger) (*Engine, error) {
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}
	return New(client, nil, logger), nil
}

// Connect dials a dedicated SSH connection for SFTP.
func Connect(ctx context.Context, dialer *sshconn.Dialer, target sshconn.Target, logger pslog.Logger) (*Engine, error) {
	conn, err := dialer.Dial(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn.SSH())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}
	return New(client, conn.Close, logger), nil
}

func (e *Engine) markClosed() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// IsConnected reports whether the connection is usable.
func (e *Engine) IsConnected() bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

func (e *Engine) ready() error {
	if !e.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close ends the SFTP session and any connection owned by the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed && e.client == nil {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	client := e.client
	e.client = nil
	e.mu.Unlock()
	if client == nil {
		return nil
	}
	err := client.Close()
	if e.closer != nil {
		if cerr := e.closer(); err == nil {
			err = cerr
		}
	}
	return err
}

func (e *Engine) sftp() (*sftp.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.client == nil {
		return nil, ErrNotConnected
	}
	return e.client, nil
}

// List returns the entries of dir sorted by name, omitting entries the
// filter excludes.
func (e *Engine) List(ctx context.Context, dir string, filter Filter) ([]FileInfo, error) {
	c, err := e.sftp()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		dir = "."
	}
	entries, err := c.ReadDirContext(ctx, dir)
	if err != nil {
		return nil, remoteErr("list", dir, err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, fi := range entries {
		if filter != nil && filter(fi.Name(), fi.IsDir()) {
			continue
		}
		out = append(out, toFileInfo(fi))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Cwd resolves the remote working directory.
func (e *Engine) Cwd() (string, error) {
	c, err := e.sftp()
	if err != nil {
		return "", err
	}
	dir, err := c.RealPath(".")
	if err != nil {
		return "", remoteErr("realpath", ".", err)
	}
	return dir, nil
}

// Stat describes p.
func (e *Engine) Stat(p string) (FileInfo, error) {
	c, err := e.sftp()
	if err != nil {
		return FileInfo{}, err
	}
	fi, err := c.Stat(p)
	if err != nil {
		return FileInfo{}, remoteErr("stat", p, err)
	}
	info := toFileInfo(fi)
	if info.Name == "" || info.Name == "." {
		info.Name = path.Base(p)
	}
	return info, nil
}

// Exists reports whether p exists. A missing path is not an error.
func (e *Engine) Exists(p string) (bool, error) {
	c, err := e.sftp()
	if err != nil {
		return false, err
	}
	_, err = c.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, remoteErr("exists", p, err)
	}
}

// Rename moves oldPath to newPath.
func (e *Engine) Rename(oldPath, newPath string) error {
	c, err := e.sftp()
	if err != nil {
		return err
	}
	if err := c.Rename(oldPath, newPath); err != nil {
		return remoteErr("rename", oldPath, err)
	}
	return nil
}

// Move is Rename.
func (e *Engine) Move(oldPath, newPath string) error {
	return e.Rename(oldPath, newPath)
}

// Mkdir creates p, and its parents when recursive is set.
func (e *Engine) Mkdir(p string, recursive bool) error {
	c, err := e.sftp()
	if err != nil {
		return err
	}
	if recursive {
		err = c.MkdirAll(p)
	} else {
		err = c.Mkdir(p)
	}
	return remoteErr("mkdir", p, err)
}

// Rmdir removes directory p. Without recursive the directory must be empty.
func (e *Engine) Rmdir(p string, recursive bool) error {
	c, err := e.sftp()
	if err != nil {
		return err
	}
	fi, err := c.Stat(p)
	if err != nil {
		return remoteErr("rmdir", p, err)
	}
	if !fi.IsDir() {
		return remoteErr("rmdir", p, ErrNotDirectory)
	}
	if recursive {
		err = c.RemoveAll(p)
	} else {
		err = c.RemoveDirectory(p)
	}
	return remoteErr("rmdir", p, err)
}

// Delete removes the file p. Directories are refused.
func (e *Engine) Delete(p string) error {
	c, err := e.sftp()
	if err != nil {
		return err
	}
	fi, err := c.Lstat(p)
	if err != nil {
		return remoteErr("delete", p, err)
	}
	if fi.IsDir() {
		return remoteErr("delete", p, ErrIsDirectory)
	}
	return remoteErr("delete", p, c.Remove(p))
}

// CreateFile creates an empty file at p, truncating any existing one.
func (e *Engine) CreateFile(p string) error {
	c, err := e.sftp()
	if err != nil {
		return err
	}
	unlock := e.locks.lock(p)
	defer unlock()
	f, err := c.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return remoteErr("create", p, err)
	}
	return remoteErr("create", p, f.Close())
}
