package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"mime"
	"net/http"
	pkgPath "path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShoshinNikita/sceneview/pkg/metrics"
	"github.com/ShoshinNikita/sceneview/pkg/misc"
	"github.com/ShoshinNikita/sceneview/pkg/rlog"
	"github.com/ShoshinNikita/sceneview/pkg/store"
	"github.com/ShoshinNikita/sceneview/sceneview"
	"github.com/ShoshinNikita/sceneview/static"
	"github.com/ShoshinNikita/sceneview/viewer"
)

const blobURLPrefix = "/api/blob/"

const (
	maxUploadFiles = 1000
	// uploadOverhead is added to the body limit of an upload for multipart headers.
	uploadOverhead = 1 << 20
)

var errUploadTooLarge = errors.New("upload is too large")

// CacheStats is implemented by all stores from [store] package.
type CacheStats interface {
	Stats(ctx context.Context) (store.Stats, error)
}

type Server struct {
	cfg sceneview.Config

	httpServer *http.Server
	handler    http.Handler
	upgrader   websocket.Upgrader

	loader     sceneview.AssetLoader
	cacheStats CacheStats
	validator  sceneview.Validator
	urls       *viewer.URLRegistry

	templatesFS fs.FS

	pagesMu sync.Mutex
	pages   map[string]*page
}

func NewServer(cfg sceneview.Config, loader sceneview.AssetLoader, cacheStats CacheStats) (s *Server) {
	if cfg.ReadStaticFilesFromDisk {
		rlog.Info("static files will be read from disk")
	}

	s = &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		//
		loader:     loader,
		cacheStats: cacheStats,
		urls:       viewer.NewURLRegistry(blobURLPrefix),
		//
		templatesFS: static.NewTemplatesFS(cfg.ReadStaticFilesFromDisk),
		//
		pages: make(map[string]*page),
	}
	if cfg.ValidateAssets {
		s.validator = viewer.ContentValidator{}
	}

	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// UI
	r.Get("/", s.handleIndex)

	// Static
	for pattern, fs := range map[string]fs.FS{
		"/static/styles/": static.NewStylesFS(cfg.ReadStaticFilesFromDisk),
		"/static/js/":     static.NewScriptsFS(cfg.ReadStaticFilesFromDisk),
	} {
		handler := http.FileServer(http.FS(fs))
		if !cfg.ReadStaticFilesFromDisk {
			handler = cacheMiddleware(30*24*time.Hour, cfg.BuildInfo.ShortGitHash, handler)
		}
		handler = http.StripPrefix(pattern, handler)
		r.Handle(pattern+"*", handler)
	}

	// API
	r.Route("/api", func(r chi.Router) {
		r.Get("/ws", s.handleWebsocket)
		r.Get("/blob/{id}", s.handleBlob)
		r.Post("/pages/{pageID}/upload", s.handleUpload)
		r.Get("/pages/{pageID}/files/*", s.handlePageFile)
		r.Get("/cache/stats", s.handleCacheStats)
	})

	// Debug
	r.Get("/healthz", s.handleHealth)
	r.Handle("/debug/metrics", promhttp.Handler())

	s.handler = r
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ServerPort),
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	rlog.Infof("start web server on %q", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server and closes all page connections.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	s.pagesMu.Lock()
	pages := make([]*page, 0, len(s.pages))
	for _, p := range s.pages {
		pages = append(pages, p)
	}
	s.pagesMu.Unlock()

	// Hijacked connections are not closed by http.Server.
	for _, p := range pages {
		p.close()
	}
	return err
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	s.executeTemplate(w, "index.html", IndexPage{
		BuildInfo:    s.cfg.BuildInfo,
		DefaultModel: s.cfg.DefaultModel,
	})
}

func (s *Server) executeTemplate(w http.ResponseWriter, name string, data any) {
	// Parse templates every time because it doesn't affect performance but
	// significantly simplifies the development process.
	template, err := template.New("base").ParseFS(s.templatesFS, "*.html")
	if err != nil {
		writeInternalServerError(w, "couldn't parse templates: %s", err)
		return
	}

	buf := bytes.NewBuffer(nil)
	err = template.ExecuteTemplate(buf, name, data)
	if err != nil {
		writeInternalServerError(w, "couldn't execute templates: %s", err)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	copyResponse(w, buf)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.Warnf("couldn't upgrade connection: %s", err)
		return
	}

	p := newPage(conn)
	p.ctrl = viewer.NewController(s.loader, p, p, s.urls, viewer.ControllerOptions{
		DefaultModel: s.cfg.DefaultModel,
		Validator:    s.validator,
	})

	s.pagesMu.Lock()
	s.pages[p.id] = p
	s.pagesMu.Unlock()

	metrics.ActivePages.Inc()
	rlog.Debugf("page %s was connected", p.id)

	p.serve()

	s.pagesMu.Lock()
	delete(s.pages, p.id)
	s.pagesMu.Unlock()

	metrics.ActivePages.Dec()
	rlog.Debugf("page %s was disconnected", p.id)
}

func (s *Server) getPage(r *http.Request) (*page, bool) {
	s.pagesMu.Lock()
	defer s.pagesMu.Unlock()

	p, ok := s.pages[chi.URLParam(r, "pageID")]
	return p, ok
}

func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	blob, ok := s.urls.Get(chi.URLParam(r, "id"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
	copyResponse(w, bytes.NewReader(blob))
}

func (s *Server) handlePageFile(w http.ResponseWriter, r *http.Request) {
	p, ok := s.getPage(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	data, ok := p.file(chi.URLParam(r, "*"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	contentType := mime.TypeByExtension(pkgPath.Ext(chi.URLParam(r, "*")))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	copyResponse(w, bytes.NewReader(data))
}

// handleUpload accepts files selected by the user. The form name of every part is the relative
// path of a file. Files are rendered in the background, errors are reported to the page.
// All files of an upload together are limited by the max asset size.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	p, ok := s.getPage(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown page")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxAssetSize.Bytes()+uploadOverhead)

	files, err := s.readUploadedFiles(r)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.Is(err, errUploadTooLarge) || errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "couldn't read files: %s", err)
			return
		}
		writeBadRequestError(w, "couldn't read files: %s", err)
		return
	}
	if len(files) == 0 {
		writeBadRequestError(w, "no files")
		return
	}

	go p.run("view local files", func(ctx context.Context) error {
		return p.ctrl.ViewLocal(ctx, files)
	})

	resp := UploadResponse{Files: make([]string, 0, len(files))}
	for name := range files {
		resp.Files = append(resp.Files, name)
	}
	slices.Sort(resp.Files)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) readUploadedFiles(r *http.Request) (sceneview.FileMap, error) {
	maxSize := s.cfg.MaxAssetSize.Bytes()

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}

	var (
		files     = make(sceneview.FileMap)
		totalSize int64
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(files) == maxUploadFiles {
			part.Close()
			return nil, fmt.Errorf("too many files, limit is %d", maxUploadFiles)
		}

		name, err := cleanUploadName(part.FormName())
		if err != nil {
			part.Close()
			return nil, err
		}

		data, err := io.ReadAll(io.LimitReader(part, maxSize-totalSize+1))
		part.Close()
		if err != nil {
			return nil, fmt.Errorf("couldn't read %q: %w", name, err)
		}
		totalSize += int64(len(data))
		if totalSize > maxSize {
			return nil, fmt.Errorf("%w: limit is %s", errUploadTooLarge, misc.FormatFileSize(maxSize))
		}
		files[name] = data
	}
	return files, nil
}

func cleanUploadName(name string) (string, error) {
	name = strings.TrimPrefix(pkgPath.Clean("/"+name), "/")
	if name == "" {
		return "", errors.New("file name can't be empty")
	}
	return name, nil
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cacheStats.Stats(r.Context())
	if err != nil {
		writeInternalServerError(w, "couldn't get cache stats: %s", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func (*Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func copyResponse(w http.ResponseWriter, src io.Reader) {
	_, err := io.Copy(w, src)
	if err != nil {
		writeInternalServerError(w, "couldn't write response: %s", err)
	}
}

func writeBadRequestError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusBadRequest, format, a...)
}

func writeInternalServerError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusInternalServerError, format, a...)
}

func writeError(w http.ResponseWriter, code int, format string, a ...any) {
	http.Error(w, fmt.Sprintf(format, a...), code)
}
