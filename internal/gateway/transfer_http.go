package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"pkt.systems/terminus/internal/history"
	"pkt.systems/terminus/internal/protocol"
	"pkt.systems/terminus/internal/server"
	"pkt.systems/terminus/internal/sftpengine"
	"pkt.systems/terminus/internal/transfer"
)

// StatusClientClosedRequest reports a transfer the client aborted before
// any byte was streamed.
const StatusClientClosedRequest = 499

const defaultHistoryLimit = 50

func (g *Gateway) engineFor(w http.ResponseWriter, r *http.Request) (string, *sftpengine.Engine, bool) {
	sid := r.Header.Get(server.HeaderSessionID)
	engine, ok := g.engines.Get(sid)
	if sid == "" || !ok || !engine.IsConnected() {
		writeError(w, http.StatusConflict, "SFTP not connected")
		return sid, nil, false
	}
	return sid, engine, true
}

// clientError returns the text of err a client may see. Remote I/O
// failures pass through; anything else is logged and masked.
func (g *Gateway) clientError(op, sid string, err error) string {
	var rerr *sftpengine.RemoteIOError
	if errors.As(err, &rerr) {
		return rerr.Error()
	}
	g.logger.Error("transfer failed", "op", op, "session_id", sid, "err", err)
	return "internal server error"
}

func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	sid, engine, ok := g.engineFor(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(g.opts.MaxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	remoteDir := r.FormValue("path")
	if remoteDir == "" {
		remoteDir = "."
	}
	name := r.FormValue("name")

	var (
		final   transfer.Progress
		payload protocol.UploadedPayload
		err     error
	)
	if len(files) == 1 {
		final, payload, err = g.uploadOne(r, sid, engine, files[0], remoteDir, name)
	} else {
		final, payload, err = g.uploadMany(r, sid, engine, files, remoteDir, name)
	}

	switch final.Status {
	case transfer.StatusCompleted:
		g.notify(sid, protocol.MessageFileUploaded, payload)
		writeOK(w, "File uploaded", payload)
	case transfer.StatusAborted:
		writeError(w, StatusClientClosedRequest, "Upload aborted")
	default:
		writeError(w, http.StatusInternalServerError, "Upload failed: "+g.clientError("upload", sid, err))
	}
}

func (g *Gateway) uploadOne(r *http.Request, sid string, engine *sftpengine.Engine, fh *multipart.FileHeader, remoteDir, name string) (transfer.Progress, protocol.UploadedPayload, error) {
	filename := path.Base(path.Clean("/" + fh.Filename))
	if name == "" {
		name = filename
	}
	remote := path.Join(remoteDir, filename)
	payload := protocol.UploadedPayload{Name: name, Path: remote, Files: 1}

	run := g.transfers.Begin(r.Context(), transfer.Spec{
		SessionID:  sid,
		Name:       name,
		RemotePath: remote,
		LocalPath:  fh.Filename,
		Direction:  transfer.Upload,
		TotalBytes: fh.Size,
	}, g.opts.Intervals.Upload, g.progressSink(sid, transfer.Upload))

	f, err := fh.Open()
	if err == nil {
		payload.Bytes, err = engine.Put(run.Context(), run.Meter.Reader(f), remote)
		_ = f.Close()
	}
	return g.transfers.End(run, err), payload, err
}

// uploadMany stages the parts locally and mirrors the stage into remoteDir.
// An optional "paths" field per part keeps folder structure.
func (g *Gateway) uploadMany(r *http.Request, sid string, engine *sftpengine.Engine, files []*multipart.FileHeader, remoteDir, name string) (transfer.Progress, protocol.UploadedPayload, error) {
	if name == "" {
		name = path.Base(path.Clean("/" + remoteDir))
		if name == "/" {
			name = "upload"
		}
	}
	payload := protocol.UploadedPayload{Name: name, Path: remoteDir, Files: len(files)}
	run := g.transfers.Begin(r.Context(), transfer.Spec{
		SessionID:  sid,
		Name:       name,
		RemotePath: remoteDir,
		Direction:  transfer.Upload,
	}, g.opts.Intervals.Upload, g.progressSink(sid, transfer.Upload))

	stage, err := g.staging.NewStage()
	if err != nil {
		return g.transfers.End(run, err), payload, err
	}
	defer stage.Remove()

	rels := r.MultipartForm.Value["paths"]
	for i, fh := range files {
		rel := fh.Filename
		if i < len(rels) && rels[i] != "" {
			rel = rels[i]
		}
		if err = stageFile(fh, stage.Join(rel)); err != nil {
			return g.transfers.End(run, err), payload, err
		}
	}
	total, err := sftpengine.LocalTotal(stage.Dir(), sftpengine.UploadFilter)
	if err != nil {
		return g.transfers.End(run, err), payload, err
	}
	run.Meter.SetTotal(total)
	err = engine.UploadDir(run.Context(), stage.Dir(), remoteDir, sftpengine.UploadFilter, run.Meter.Reader)
	final := g.transfers.End(run, err)
	payload.Bytes = final.Transferred
	return final, payload, err
}

func stageFile(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

type downloadRequest struct {
	RemotePath string `json:"remotePath"`
	Type       string `json:"type"`
	Name       string `json:"name"`
}

// lazyWriter commits the response headers on the first body write, so a
// transfer that fails before streaming can still answer with JSON.
type lazyWriter struct {
	w       http.ResponseWriter
	header  func(h http.Header)
	started bool
}

func (l *lazyWriter) Write(p []byte) (int, error) {
	if !l.started {
		l.started = true
		l.header(l.w.Header())
		l.w.WriteHeader(http.StatusOK)
	}
	return l.w.Write(p)
}

func attachment(name string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": name})
}

func (g *Gateway) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RemotePath == "" {
		writeError(w, http.StatusBadRequest, "remotePath is required")
		return
	}
	if req.Type == "" {
		req.Type = "file"
	}
	if req.Type != "file" && req.Type != "dir" {
		writeError(w, http.StatusBadRequest, "type must be file or dir")
		return
	}
	if req.Name == "" {
		req.Name = path.Base(req.RemotePath)
	}
	sid, engine, ok := g.engineFor(w, r)
	if !ok {
		return
	}

	spec := transfer.Spec{
		SessionID:  sid,
		Name:       req.Name,
		RemotePath: req.RemotePath,
		Direction:  transfer.Download,
	}
	sink := g.progressSink(sid, transfer.Download)
	var (
		final transfer.Progress
		lw    *lazyWriter
		err   error
	)
	if req.Type == "dir" {
		final, lw, err = g.downloadDir(w, r, engine, spec, sink)
	} else {
		final, lw, err = g.downloadFile(w, r, engine, spec, sink)
	}
	if err == nil {
		return
	}
	if lw != nil && lw.started {
		panic(http.ErrAbortHandler)
	}
	switch {
	case final.Status == transfer.StatusAborted:
		writeError(w, StatusClientClosedRequest, "Download aborted")
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "Not found: "+req.RemotePath)
	default:
		writeError(w, http.StatusInternalServerError, "Download failed: "+g.clientError("download", sid, err))
	}
}

func (g *Gateway) downloadFile(w http.ResponseWriter, r *http.Request, engine *sftpengine.Engine, spec transfer.Spec, sink transfer.Sink) (transfer.Progress, *lazyWriter, error) {
	rc, size, err := engine.Open(spec.RemotePath)
	if err != nil {
		return transfer.Progress{}, nil, err
	}
	defer rc.Close()
	spec.TotalBytes = size
	run := g.transfers.Begin(r.Context(), spec, g.opts.Intervals.File, sink)
	lw := &lazyWriter{w: w, header: func(h http.Header) {
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Disposition", attachment(spec.Name))
		h.Set("Content-Length", strconv.FormatInt(size, 10))
	}}
	_, err = transfer.Copy(run.Context(), run.Meter.Writer(lw), rc)
	if err == nil && !lw.started {
		// Empty file.
		_, _ = lw.Write(nil)
	}
	return g.transfers.End(run, err), lw, err
}

func (g *Gateway) downloadDir(w http.ResponseWriter, r *http.Request, engine *sftpengine.Engine, spec transfer.Spec, sink transfer.Sink) (transfer.Progress, *lazyWriter, error) {
	run := g.transfers.Begin(r.Context(), spec, g.opts.Intervals.Archive, sink)
	entries, err := engine.Walk(run.Context(), spec.RemotePath, sftpengine.DownloadFilter)
	if err != nil {
		return g.transfers.End(run, err), nil, err
	}
	total := sftpengine.TotalSize(entries)
	run.Meter.SetTotal(total)
	g.notify(spec.SessionID, protocol.MessageCompressing, protocol.CompressingPayload{
		Name:    spec.Name,
		Path:    spec.RemotePath,
		Entries: len(entries),
		Total:   total,
	})
	lw := &lazyWriter{w: w, header: func(h http.Header) {
		h.Set("Content-Type", "application/zip")
		h.Set("Content-Disposition", attachment(spec.Name+".zip"))
	}}
	err = engine.PackageDirectory(run.Context(), entries, lw, run.Meter.Add)
	return g.transfers.End(run, err), lw, err
}

func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	found := g.transfers.Abort(name)
	writeOK(w, "cancel requested", map[string]any{"name": name, "found": found})
}

func (g *Gateway) handleTransfers(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	recent, err := g.history.Recent(r.Context(), r.URL.Query().Get("sessionId"), limit)
	if err != nil && !errors.Is(err, history.ErrDisabled) {
		g.logger.Error("load transfer history failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if recent == nil {
		recent = []history.TransferRecord{}
	}
	writeOK(w, "", map[string]any{
		"active":  g.transfers.Active(),
		"history": recent,
	})
}

func (g *Gateway) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, "", g.broker.List())
}
