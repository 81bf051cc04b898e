package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/rasfw/rasfw/internal/catalog"
	"github.com/rasfw/rasfw/internal/firmware"
	"github.com/rasfw/rasfw/internal/image"
	"github.com/rasfw/rasfw/internal/ratelimit"
	"github.com/rasfw/rasfw/internal/trailer"
)

// Catalog is the read side of the image catalog
type Catalog interface {
	Get(cid string) (*catalog.Record, error)
	Scan(callback func(*catalog.Record) error) error
}

// Options configures a Server
type Options struct {
	MaxImageSize int64
	Limiter      *ratelimit.Limiter // nil disables rate limiting
	Catalog      Catalog            // nil disables the catalog routes
}

// Server provides REST API
type Server struct {
	manager *firmware.Manager
	opts    Options
	router  *chi.Mux
}

// NewServer creates a new REST server
func NewServer(manager *firmware.Manager, opts Options) *Server {
	s := &Server{
		manager: manager,
		opts:    opts,
		router:  chi.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(corsMiddleware)

	// API routes
	s.router.Group(func(r chi.Router) {
		if s.opts.Limiter != nil {
			r.Use(s.opts.Limiter.Middleware)
		}

		r.Route("/v1/images", func(r chi.Router) {
			r.Post("/validate", s.validate)
			r.Post("/inspect", s.inspect)
			r.Post("/build", s.build)
		})

		r.Route("/v1/catalog", func(r chi.Router) {
			r.Get("/", s.listCatalog)
			r.Get("/{cid}", s.getCatalog)
		})
	})

	s.router.Handle("/metrics", promhttp.Handler())

	// Health check
	s.router.Get("/healthz", s.health)
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Request/Response types
type ErrorResponse struct {
	Error string `json:"error"`
	Check string `json:"check,omitempty"`
}

type ValidateResponse struct {
	Valid  bool             `json:"valid"`
	Report *firmware.Report `json:"report"`
}

type InspectResponse struct {
	Trailer trailer.Summary `json:"trailer"`
	Fields  []trailer.Field `json:"fields"`
}

type CatalogResponse struct {
	Images []*catalog.Record `json:"images"`
}

// Response headers set on built images
const (
	HeaderCRC32   = "X-Image-CRC32"
	HeaderFSCRC32 = "X-Image-FS-CRC32"
	HeaderSHA256  = "X-Image-SHA256"
)

// Handlers
func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readImage(w, r)
	if !ok {
		return
	}

	source := "http:" + middleware.GetReqID(r.Context())
	report, err := s.manager.ValidateBytes(data, source)
	if err != nil {
		respondImageError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ValidateResponse{Valid: true, Report: report})
}

func (s *Server) inspect(w http.ResponseWriter, r *http.Request) {
	data, ok := s.readImage(w, r)
	if !ok {
		return
	}

	t, err := firmware.InspectBytes(data)
	if err != nil {
		respondImageError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, InspectResponse{
		Trailer: t.Summarize(),
		Fields:  t.Fields(),
	})
}

func (s *Server) build(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 2*s.opts.MaxImageSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondBodyError(w, err, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	kernel, err := formFile(r, "kernel")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	rootfs, err := formFile(r, "rootfs")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := image.DefaultBuildOptions()
	if v := r.FormValue("fs_type"); v != "" {
		fsType, err := trailer.ParseFSType(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.FSType = fsType
	}

	data, err := firmware.BuildBytes(kernel, rootfs, opts)
	if err != nil {
		respondImageError(w, err)
		return
	}

	t, err := firmware.InspectBytes(data)
	if err != nil {
		log.Error().Err(err).Msg("failed to decode built image")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="firmware.bin"`)
	w.Header().Set(HeaderCRC32, fmt.Sprintf("0x%08X", t.CRC32))
	w.Header().Set(HeaderFSCRC32, fmt.Sprintf("0x%08X", t.FSCRC32))
	w.Header().Set(HeaderSHA256, fmt.Sprintf("%x", t.SHA256[:]))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		log.Error().Err(err).Msg("failed to write built image")
	}
}

func (s *Server) listCatalog(w http.ResponseWriter, r *http.Request) {
	if s.opts.Catalog == nil {
		respondError(w, http.StatusNotFound, "catalog disabled")
		return
	}

	images := []*catalog.Record{}
	err := s.opts.Catalog.Scan(func(rec *catalog.Record) error {
		images = append(images, rec)
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to scan catalog")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, CatalogResponse{Images: images})
}

func (s *Server) getCatalog(w http.ResponseWriter, r *http.Request) {
	if s.opts.Catalog == nil {
		respondError(w, http.StatusNotFound, "catalog disabled")
		return
	}

	rec, err := s.opts.Catalog.Get(chi.URLParam(r, "cid"))
	if err != nil {
		if errors.Is(err, catalog.ErrInvalidCID) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Msg("failed to read catalog")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "image not found")
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// readImage reads a raw image request body, enforcing the size limit
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxImageSize)
	data, err := io.ReadAll(body)
	if err != nil {
		respondBodyError(w, err, "failed to read request body")
		return nil, false
	}
	return data, true
}

func formFile(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("missing form file %q", field)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read form file %q: %w", field, err)
	}
	return data, nil
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

// respondImageError maps image and build errors to HTTP statuses
func respondImageError(w http.ResponseWriter, err error) {
	var buildErr *image.BuildError
	switch {
	case image.IsIntegrityError(err):
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: err.Error(),
			Check: string(image.FailedCheck(err)),
		})
	case errors.Is(err, image.ErrTooSmall):
		respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error()})
	case errors.As(err, &buildErr):
		respondError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		log.Error().Err(err).Msg("image request failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondBodyError(w http.ResponseWriter, err error, message string) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		respondError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		return
	}
	respondError(w, http.StatusBadRequest, message)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
