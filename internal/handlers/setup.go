package handlers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"securechat-backend/internal/audit"
	"securechat-backend/internal/authz"
	"securechat-backend/internal/hub"
	"securechat-backend/internal/jwt"
	"securechat-backend/internal/models"
	"securechat-backend/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// API holds the collaborators behind the HTTP surface. Everything
// stateful lives on the websocket; HTTP is the way in (token issuance)
// and the way to inspect (health, audit verification).
type API struct {
	sugar    *zap.SugaredLogger
	db       *sql.DB
	signer   *jwt.Signer
	gate     *authz.Gate
	ledger   *audit.Ledger
	users    store.Users
	hub      *hub.Hub
	validate *validator.Validate
}

func Setup(cfg *models.ConfigFile, sugar *zap.SugaredLogger, db *sql.DB, signer *jwt.Signer, gate *authz.Gate, ledger *audit.Ledger, users store.Users, h *hub.Hub) *http.Server {
	api := &API{
		sugar:    sugar,
		db:       db,
		signer:   signer,
		gate:     gate,
		ledger:   ledger,
		users:    users,
		hub:      h,
		validate: validator.New(),
	}

	r := chi.NewRouter()
	if cfg.LogLevel == "debug" {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", api.Health)

	r.Route("/api", func(rt chi.Router) {
		rt.Post("/auth/token", api.IssueToken)
		rt.Get("/audit/verify", api.VerifyAuditChain)
	})

	r.Get("/ws", h.HandleClient)

	return &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.Address, cfg.Port),
		Handler: r,
	}
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	if err := a.db.PingContext(r.Context()); err != nil {
		a.sugar.Error(err)
		http.Error(w, "", http.StatusServiceUnavailable)
		return
	}

	err := json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": a.hub.ConnectionCount(),
	})
	if err != nil {
		a.sugar.Error(err)
	}
}
