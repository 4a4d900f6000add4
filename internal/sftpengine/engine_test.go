package sftpengine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/pkg/sftp"

	"pkt.systems/terminus/internal/transfer"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	serverSide, clientSide := net.Pipe()
	srv, err := sftp.NewServer(serverSide, sftp.WithServerWorkingDirectory(root))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go func() { _ = srv.Serve() }()
	client, err := sftp.NewClientPipe(clientSide, clientSide)
	if err != nil {
		t.Fatalf("NewClientPipe: %v", err)
	}
	e := New(client, nil, nil)
	t.Cleanup(func() {
		_ = e.Close()
		_ = srv.Close()
	})
	return e, root
}

func writeFile(t *testing.T, root, rel string, size int) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, bytes.Repeat([]byte{'x'}, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func names(infos []FileInfo) []string {
	out := make([]string, 0, len(infos))
	for _, fi := range infos {
		out = append(out, fi.Name)
	}
	return out
}

func TestListSortsAndFilters(t *testing.T) {
	e, root := newTestEngine(t)
	writeFile(t, root, "b.txt", 2)
	writeFile(t, root, "a.txt", 1)
	writeFile(t, root, "dir/inner", 1)
	writeFile(t, root, ".git/HEAD", 1)
	writeFile(t, root, "node_modules/m.js", 1)

	got, err := e.List(context.Background(), ".", DownloadFilter)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if strings.Join(names(got), ",") != "a.txt,b.txt,dir" {
		t.Fatalf("List = %v", names(got))
	}
	if got[0].Type != "-" || got[0].Size != 1 || got[2].Type != "d" {
		t.Fatalf("entries = %+v", got)
	}
	if got[0].Rights.User != "rw" {
		t.Fatalf("rights = %+v", got[0].Rights)
	}

	_, err = e.List(context.Background(), "missing", nil)
	var rerr *RemoteIOError
	if !errors.As(err, &rerr) || rerr.Op != "list" {
		t.Fatalf("List missing err = %v", err)
	}
	_, err = e.List(context.Background(), "a.txt", nil)
	if !errors.As(err, &rerr) {
		t.Fatalf("List on a file err = %v", err)
	}
}

func TestCwdResolvesWorkingDirectory(t *testing.T) {
	e, root := newTestEngine(t)
	cwd, err := e.Cwd()
	if err != nil || cwd != filepath.ToSlash(root) {
		t.Fatalf("Cwd = %q, %v; want %q", cwd, err, root)
	}
	_ = e.Close()
	if _, err := e.Cwd(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Cwd after close err = %v", err)
	}
}

func TestStatAndExists(t *testing.T) {
	e, root := newTestEngine(t)
	writeFile(t, root, "a.txt", 5)

	fi, err := e.Stat("a.txt")
	if err != nil || fi.Size != 5 || fi.Name != "a.txt" {
		t.Fatalf("Stat = %+v, %v", fi, err)
	}
	if ok, err := e.Exists("a.txt"); !ok || err != nil {
		t.Fatalf("Exists(a.txt) = %v, %v", ok, err)
	}
	if ok, err := e.Exists("nope"); ok || err != nil {
		t.Fatalf("Exists(nope) = %v, %v", ok, err)
	}
}

func TestMutations(t *testing.T) {
	e, root := newTestEngine(t)

	if err := e.Mkdir("x/y", true); err != nil {
		t.Fatalf("Mkdir recursive: %v", err)
	}
	if err := e.Mkdir("p/q", false); err == nil {
		t.Fatalf("Mkdir without parent should fail")
	}
	if err := e.CreateFile("x/y/empty"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if fi, err := os.Stat(filepath.Join(root, "x/y/empty")); err != nil || fi.Size() != 0 {
		t.Fatalf("created file = %v, %v", fi, err)
	}

	var rerr *RemoteIOError
	if err := e.Rmdir("x", false); !errors.As(err, &rerr) {
		t.Fatalf("Rmdir non-empty err = %v", err)
	}
	if err := e.Delete("x"); !errors.Is(err, ErrIsDirectory) {
		t.Fatalf("Delete dir err = %v", err)
	}

	if err := e.Rename("x/y/empty", "x/moved"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := e.Move("x/missing", "x/other"); !errors.As(err, &rerr) {
		t.Fatalf("Move missing source err = %v", err)
	}
	if err := e.Rename("x/moved", "nowhere/moved"); !errors.As(err, &rerr) {
		t.Fatalf("Rename into missing parent err = %v", err)
	}
	if err := e.Delete("x/moved"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := e.Rmdir("x", true); err != nil {
		t.Fatalf("Rmdir recursive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "x")); !os.IsNotExist(err) {
		t.Fatalf("x still present: %v", err)
	}
}

func TestPutAndGet(t *testing.T) {
	e, root := newTestEngine(t)
	ctx := context.Background()

	n, err := e.Put(ctx, strings.NewReader("hello sftp"), "greeting.txt")
	if err != nil || n != 10 {
		t.Fatalf("Put = %d, %v", n, err)
	}
	if _, err := e.Put(ctx, strings.NewReader("bye"), "greeting.txt"); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(root, "greeting.txt"))
	if string(data) != "bye" {
		t.Fatalf("remote content = %q", data)
	}

	var buf bytes.Buffer
	if _, err := e.Get(ctx, "greeting.txt", &buf); err != nil || buf.String() != "bye" {
		t.Fatalf("Get = %q, %v", buf.String(), err)
	}
	if _, _, err := e.Open("."); !errors.Is(err, ErrIsDirectory) {
		t.Fatalf("Open dir err = %v", err)
	}
}

func TestPutHonoursCancellation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Put(ctx, strings.NewReader("data"), "cancelled.txt")
	if !errors.Is(err, transfer.ErrAborted) {
		t.Fatalf("Put err = %v, want ErrAborted", err)
	}
	if transfer.StatusFor(err) != transfer.StatusAborted {
		t.Fatalf("status = %s", transfer.StatusFor(err))
	}
}

func TestWalkAndPackageDirectory(t *testing.T) {
	e, root := newTestEngine(t)
	writeFile(t, root, "pkg/a", 100)
	writeFile(t, root, "pkg/sub/b", 200)
	writeFile(t, root, "pkg/c", 300)
	writeFile(t, root, "pkg/node_modules/skip", 50)
	ctx := context.Background()

	entries, err := e.Walk(ctx, "pkg", DownloadFilter)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(entries) != 3 || TotalSize(entries) != 600 {
		t.Fatalf("Walk = %+v", entries)
	}

	var archive bytes.Buffer
	var read atomic.Int64
	if err := e.PackageDirectory(ctx, entries, &archive, func(n int64) { read.Add(n) }); err != nil {
		t.Fatalf("PackageDirectory: %v", err)
	}
	if read.Load() != 600 {
		t.Fatalf("progress total = %d", read.Load())
	}

	zr, err := zip.NewReader(bytes.NewReader(archive.Bytes()), int64(archive.Len()))
	if err != nil {
		t.Fatalf("zip.NewReader: %v", err)
	}
	var got []string
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		body, _ := io.ReadAll(rc)
		_ = rc.Close()
		got = append(got, f.Name)
		if int64(len(body)) != int64(f.UncompressedSize64) {
			t.Fatalf("%s: read %d bytes", f.Name, len(body))
		}
	}
	sort.Strings(got)
	if strings.Join(got, ",") != "a,c,sub/b" {
		t.Fatalf("archive entries = %v", got)
	}
}

func TestPackageDirectoryCancelled(t *testing.T) {
	e, root := newTestEngine(t)
	writeFile(t, root, "big/a", 1000)
	writeFile(t, root, "big/b", 1000)
	entries, err := e.Walk(context.Background(), "big", nil)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var archive bytes.Buffer
	err = e.PackageDirectory(ctx, entries, &archive, nil)
	if transfer.StatusFor(err) != transfer.StatusAborted {
		t.Fatalf("PackageDirectory err = %v, want aborted", err)
	}
	if _, err := zip.NewReader(bytes.NewReader(archive.Bytes()), int64(archive.Len())); err != nil {
		t.Fatalf("partial archive not finalized: %v", err)
	}
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		_, _ = io.WriteString(w, body)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestExtractAndRedistribute(t *testing.T) {
	e, root := newTestEngine(t)
	archive := buildZip(t, map[string]string{
		"one.txt":          "1",
		"two.txt":          "22",
		"nested/three.txt": "333",
	})
	if err := os.MkdirAll(filepath.Join(root, "arch"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "arch/bundle.zip"), archive, 0o644); err != nil {
		t.Fatal(err)
	}
	staging := t.TempDir()

	res, err := e.ExtractAndRedistribute(context.Background(), "arch/bundle.zip", staging)
	if err != nil {
		t.Fatalf("ExtractAndRedistribute: %v", err)
	}
	sort.Strings(res.Uploaded)
	if strings.Join(res.Uploaded, ",") != "one.txt,two.txt" || strings.Join(res.Skipped, ",") != "nested" {
		t.Fatalf("result = %+v", res)
	}
	if data, _ := os.ReadFile(filepath.Join(root, "arch/two.txt")); string(data) != "22" {
		t.Fatalf("two.txt = %q", data)
	}
	if _, err := os.Stat(filepath.Join(root, "arch/nested")); !os.IsNotExist(err) {
		t.Fatalf("nested directory uploaded")
	}
	if left, _ := os.ReadDir(staging); len(left) != 0 {
		t.Fatalf("staging not cleaned: %v", left)
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	e, root := newTestEngine(t)
	archive := buildZip(t, map[string]string{"../evil.txt": "x"})
	if err := os.WriteFile(filepath.Join(root, "evil.zip"), archive, 0o644); err != nil {
		t.Fatal(err)
	}
	staging := t.TempDir()
	_, err := e.ExtractAndRedistribute(context.Background(), "evil.zip", staging)
	if !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("err = %v, want ErrPathTraversal", err)
	}
	if left, _ := os.ReadDir(staging); len(left) != 0 {
		t.Fatalf("staging not cleaned: %v", left)
	}
}

func TestUploadDirAppliesFilter(t *testing.T) {
	e, root := newTestEngine(t)
	local := t.TempDir()
	writeFile(t, local, "a.txt", 3)
	writeFile(t, local, ".env", 3)
	writeFile(t, local, "node_modules/m.js", 3)
	writeFile(t, local, "sub/b.txt", 4)

	if total, err := LocalTotal(local, UploadFilter); err != nil || total != 7 {
		t.Fatalf("LocalTotal = %d, %v", total, err)
	}
	var counted atomic.Int64
	wrap := func(r io.Reader) io.Reader {
		return &progressReader{r: r, fn: func(n int64) { counted.Add(n) }}
	}
	if err := e.UploadDir(context.Background(), local, "up", UploadFilter, wrap); err != nil {
		t.Fatalf("UploadDir: %v", err)
	}
	for _, want := range []string{"up/a.txt", "up/sub/b.txt"} {
		if _, err := os.Stat(filepath.Join(root, want)); err != nil {
			t.Fatalf("%s missing: %v", want, err)
		}
	}
	for _, skipped := range []string{"up/.env", "up/node_modules"} {
		if _, err := os.Stat(filepath.Join(root, skipped)); !os.IsNotExist(err) {
			t.Fatalf("%s should have been skipped", skipped)
		}
	}
	if counted.Load() != 7 {
		t.Fatalf("counted = %d", counted.Load())
	}
}

func TestClosedEngineIsNotConnected(t *testing.T) {
	e, _ := newTestEngine(t)
	if !e.IsConnected() {
		t.Fatalf("fresh engine not connected")
	}
	_ = e.Close()
	if e.IsConnected() {
		t.Fatalf("closed engine reports connected")
	}
	if _, err := e.List(context.Background(), ".", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("List err = %v", err)
	}
}

func TestRegistryClosesWithLastConnection(t *testing.T) {
	e, _ := newTestEngine(t)
	reg := NewRegistry(nil)
	reg.Attach("s1", "c1")
	reg.Attach("s1", "c2")
	reg.Set("s1", e)

	if got, ok := reg.Get("s1"); !ok || got != e {
		t.Fatalf("Get = %v, %v", got, ok)
	}
	reg.Detach("s1", "c1")
	if !e.IsConnected() {
		t.Fatalf("engine closed while a connection remains")
	}
	reg.Detach("s1", "c2")
	if e.IsConnected() {
		t.Fatalf("engine still open after last detach")
	}
	if _, ok := reg.Get("s1"); ok {
		t.Fatalf("registry still returns engine")
	}
}

func TestFilters(t *testing.T) {
	if !DownloadFilter("dist", true) || DownloadFilter(".env", false) {
		t.Fatalf("DownloadFilter mismatch")
	}
	if !UploadFilter(".env", false) || !UploadFilter("node_modules", true) || UploadFilter("src", true) {
		t.Fatalf("UploadFilter mismatch")
	}
}
