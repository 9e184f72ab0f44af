package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/outcomefi/outcome/internal/model"
	"github.com/outcomefi/outcome/internal/service/universes"
	"github.com/outcomefi/outcome/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	universes           *universes.Service
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	signerAddress       string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	Universes           *universes.Service
	Logger              *slog.Logger
	Version             string
	SignerAddress       string // Empty when ledger writes are disabled.
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		db:                  d.DB,
		universes:           d.Universes,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		signerAddress:       d.SignerAddress,
		maxRequestBodyBytes: maxBody,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status, httpStatus := "healthy", http.StatusOK
	dbStatus := "connected"
	if err := h.db.Ping(r.Context()); err != nil {
		dbStatus = "disconnected"
		status, httpStatus = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Database: dbStatus,
		Dialect:  h.db.Dialect().String(),
		Signer:   h.signerAddress,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// --- Shared helpers ---

// maxQueryOffset prevents absurdly large offsets.
const maxQueryOffset = 100_000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	return min(max(queryInt(r, "offset", 0), 0), maxQueryOffset)
}
