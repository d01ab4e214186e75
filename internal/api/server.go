// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/fruitsalade/filebrowser/internal/apperr"
	"github.com/fruitsalade/filebrowser/internal/archive"
	"github.com/fruitsalade/filebrowser/internal/auth"
	"github.com/fruitsalade/filebrowser/internal/events"
	"github.com/fruitsalade/filebrowser/internal/fileops"
	"github.com/fruitsalade/filebrowser/internal/logging"
	"github.com/fruitsalade/filebrowser/internal/metrics"
	"github.com/fruitsalade/filebrowser/internal/protocol"
)

const maxJSONBody = 1 << 20

// Server is the HTTP server.
type Server struct {
	ops    *fileops.Ops
	zipper *archive.Zipper
	authz  *auth.Authorizer
	login  http.Handler

	// SSE, optional
	broadcaster *events.Broadcaster

	// Static web assets, optional
	publicDir string
}

// NewServer creates a new server. broadcaster may be nil and publicDir empty.
func NewServer(
	ops *fileops.Ops,
	zipper *archive.Zipper,
	authz *auth.Authorizer,
	login http.Handler,
	broadcaster *events.Broadcaster,
	publicDir string,
) *Server {
	return &Server{
		ops:         ops,
		zipper:      zipper,
		authz:       authz,
		login:       login,
		broadcaster: broadcaster,
		publicDir:   publicDir,
	}
}

// Handler returns the root handler with logging and metrics applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /api/login", s.login)

	authed := s.authz.RequireAuthenticated
	admin := func(h http.HandlerFunc) http.Handler {
		return authed(auth.RequireAdmin(h))
	}

	mux.Handle("GET /api/tree", authed(http.HandlerFunc(s.handleTree)))
	mux.Handle("GET /api/file", authed(http.HandlerFunc(s.handleDownload)))
	mux.Handle("GET /api/zip", authed(http.HandlerFunc(s.handleZip)))
	if s.broadcaster != nil {
		mux.Handle("GET /api/events", authed(http.HandlerFunc(s.handleEvents)))
	}

	mux.Handle("POST /api/move", admin(s.handleMove))
	mux.Handle("DELETE /api/file", admin(s.handleDelete))

	if s.publicDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.publicDir)))
	}

	// The mux records the matched pattern on the request it is handed, so
	// metrics must sit inside the logging middleware, which clones it.
	return logging.Middleware(metrics.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	protocol.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Tree ───────────────────────────────────────────────────────────────────

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	listing, err := s.ops.List(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	items := make([]protocol.Entry, len(listing.Entries))
	for i, e := range listing.Entries {
		items[i] = protocol.Entry{Name: e.Name, IsDir: e.IsDir, Size: e.Size, ModTime: e.ModTime}
	}

	protocol.WriteJSON(w, http.StatusOK, protocol.TreeResponse{
		Cwd:    listing.Cwd,
		Parent: listing.Parent,
		Items:  items,
		User:   userOf(r),
	})
}

// ─── Download ───────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		s.sendError(w, r, apperr.ErrMissingPath)
		return
	}

	f, err := s.ops.Open(r.Context(), rel)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", f.MIMEType)
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	w.Header().Set("Content-Disposition", attachment(f.Filename))

	sw := &streamWriter{w: w}
	_, err = io.Copy(sw, f.File)
	metrics.RecordDownload(sw.n, err == nil)
	if err != nil {
		s.failStream(w, r, sw, err)
		return
	}
	logging.WithContext(r.Context()).Debug("file streamed",
		zap.String("file", f.Filename),
		zap.Int64("bytes", sw.n))
}

// ─── Zip ────────────────────────────────────────────────────────────────────

func (s *Server) handleZip(w http.ResponseWriter, r *http.Request) {
	dir, err := s.ops.ResolveDir(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", attachment(filepath.Base(dir)+".zip"))

	sw := &streamWriter{w: w}
	stats, err := s.zipper.WriteDir(r.Context(), dir, sw)
	metrics.RecordArchive(sw.n, err == nil)
	if err != nil {
		s.failStream(w, r, sw, err)
		return
	}
	logging.WithContext(r.Context()).Info("archive streamed",
		zap.String("dir", s.ops.Sandbox().ToRelative(dir)),
		zap.Int("files", stats.Files),
		zap.Int("dirs", stats.Dirs),
		zap.Int("skipped", stats.Skipped),
		zap.Int64("bytes", sw.n))
}

// ─── Admin ──────────────────────────────────────────────────────────────────

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req protocol.MoveRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		s.sendError(w, r, apperr.ErrInvalidRequest)
		return
	}
	if req.From == "" || req.To == "" {
		s.sendError(w, r, apperr.ErrMissingFields)
		return
	}

	if err := s.ops.Move(r.Context(), req.From, req.To); err != nil {
		s.sendError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.OKResponse{OK: true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		s.sendError(w, r, apperr.ErrMissingPath)
		return
	}

	if err := s.ops.Remove(r.Context(), rel); err != nil {
		s.sendError(w, r, err)
		return
	}
	protocol.WriteJSON(w, http.StatusOK, protocol.OKResponse{OK: true})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, r, apperr.New(apperr.Internal, "streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func userOf(r *http.Request) protocol.User {
	id := auth.IdentityFrom(r.Context())
	if id == nil {
		return protocol.User{}
	}
	return protocol.User{Username: id.Username, Role: string(id.Role)}
}

func attachment(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}

// sendError writes the classified error as JSON. Internal causes are logged
// and never sent to the client.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(apperr.KindOf(err))
	logger := logging.WithContext(r.Context())
	if code >= http.StatusInternalServerError {
		logger.Error("request failed", zap.String("route", r.Pattern), zap.Error(err))
	} else {
		logger.Warn("request rejected", zap.String("route", r.Pattern), zap.Int("status", code), zap.Error(err))
	}
	protocol.WriteError(w, code, apperr.PublicMessage(err))
}

// failStream handles an error from a streaming body. Before the first byte
// the response is still ours and becomes a 500; afterwards the status is
// on the wire and the only honest signal is to drop the connection.
func (s *Server) failStream(w http.ResponseWriter, r *http.Request, sw *streamWriter, err error) {
	if !sw.started {
		w.Header().Del("Content-Disposition")
		w.Header().Del("Content-Length")
		s.sendError(w, r, apperr.Wrap(apperr.Internal, "stream failed", err))
		return
	}
	if r.Context().Err() != nil {
		logging.WithContext(r.Context()).Debug("client went away mid-stream", zap.Int64("bytes", sw.n))
		return
	}
	logging.WithContext(r.Context()).Warn("stream aborted",
		zap.String("route", r.Pattern),
		zap.Int64("bytes", sw.n),
		zap.Error(err))
	panic(http.ErrAbortHandler)
}

// streamWriter holds back the status line until the first body byte.
type streamWriter struct {
	w       http.ResponseWriter
	started bool
	n       int64
}

func (sw *streamWriter) Write(p []byte) (int, error) {
	if !sw.started {
		sw.started = true
		sw.w.WriteHeader(http.StatusOK)
	}
	n, err := sw.w.Write(p)
	sw.n += int64(n)
	return n, err
}
