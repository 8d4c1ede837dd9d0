package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"polymarket-copytrader/middleware"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
	"polymarket-copytrader/syncer"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultCopiesLimit = 50

// StatusSource reports the live runner state.
type StatusSource interface {
	Stats() syncer.CopyTraderStats
}

// SessionCache reports whether an account has a live order session.
type SessionCache interface {
	Cached(accountID int64) bool
}

// Handler handles HTTP requests
type Handler struct {
	store    storage.AccountStore
	status   StatusSource
	sessions SessionCache
	gatherer prometheus.Gatherer
}

// NewHandler creates a new handler. sessions may be nil.
func NewHandler(store storage.AccountStore, status StatusSource, sessions SessionCache, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		store:    store,
		status:   status,
		sessions: sessions,
		gatherer: gatherer,
	}
}

// NewRouter wires the read-only status API. /healthz and /metrics stay
// outside basic auth so probes and scrapers work unauthenticated.
func NewRouter(h *Handler, username, password string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(slog.Default().With("component", "status")))

	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api", middleware.BasicAuth(username, password))
	api.GET("/status", h.GetStatus)
	api.GET("/accounts", h.ListAccounts)
	api.GET("/accounts/:id", middleware.ValidateAccountID(), h.GetAccount)
	api.GET("/accounts/:id/copies", middleware.ValidateAccountID(), middleware.ValidateQueryParams(), h.ListCopies)

	return r
}

// Health reports liveness and whether the runner loop is active.
func (h *Handler) Health(c *gin.Context) {
	running := false
	if h.status != nil {
		running = h.status.Stats().Running
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"running": running,
	})
}

// GetStatus returns the live runner counters.
func (h *Handler) GetStatus(c *gin.Context) {
	if h.status == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runner not started"})
		return
	}
	c.JSON(http.StatusOK, h.status.Stats())
}

type accountView struct {
	models.ManagedAccount
	SessionActive bool `json:"session_active"`
}

// ListAccounts returns every managed account with its risk config.
// Encrypted keys are never serialized.
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.store.ListAccountsWithConfig(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load accounts"})
		return
	}

	views := make([]accountView, 0, len(accounts))
	for _, acc := range accounts {
		views = append(views, h.view(acc))
	}

	c.JSON(http.StatusOK, gin.H{
		"accounts": views,
		"count":    len(views),
	})
}

// GetAccount returns one managed account.
func (h *Handler) GetAccount(c *gin.Context) {
	id := c.GetInt64("accountID")

	acc, err := h.store.GetAccount(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": h.view(*acc)})
}

// ListCopies returns the most recent copy records of an account.
func (h *Handler) ListCopies(c *gin.Context) {
	id := c.GetInt64("accountID")

	limit := defaultCopiesLimit
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}

	copies, err := h.store.ListCopies(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load copies"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id": id,
		"copies":     copies,
		"count":      len(copies),
	})
}

func (h *Handler) view(acc models.ManagedAccount) accountView {
	v := accountView{ManagedAccount: acc}
	if h.sessions != nil {
		v.SessionActive = h.sessions.Cached(acc.ID)
	}
	return v
}
