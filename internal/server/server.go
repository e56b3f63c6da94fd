package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lumigen-ai/lumigen/internal/apperr"
	"github.com/lumigen-ai/lumigen/internal/models"
	"github.com/lumigen-ai/lumigen/internal/service"
)

type userAuthenticator interface {
	FindByAPIToken(ctx context.Context, token string) (*models.User, error)
}

type Server struct {
	addr    string
	log     *slog.Logger
	auth    userAuthenticator
	gen     *service.GenerationService
	credits *service.CreditService
	subs    *service.SubscriptionService
	router  *chi.Mux
}

func NewServer(addr string, log *slog.Logger, auth userAuthenticator, gen *service.GenerationService, credits *service.CreditService, subs *service.SubscriptionService) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:    addr,
		log:     log,
		auth:    auth,
		gen:     gen,
		credits: credits,
		subs:    subs,
		router:  r,
	}

	r.Get("/healthz", s.handleHealth)
	r.Post("/callback", s.handleCallback)
	r.Post("/webhook/payment", s.handlePaymentWebhook)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.bearerAuthMiddleware())
		api.Post("/generations", s.handleSubmit)
		api.Get("/generations", s.handleHistory)
		api.Post("/manual-poll", s.handleManualPoll)
		api.Get("/credits", s.handleBalance)
		api.Get("/credits/transactions", s.handleTransactions)
		api.Post("/check-in", s.handleCheckIn)
		api.Post("/referrals", s.handleRedeemReferral)
		api.Get("/plans", s.handlePlans)
		api.Post("/orders", s.handleCreateOrder)
		api.Post("/orders/{id}/confirm", s.handleConfirmOrder)
	})

	return s
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // generation callbacks download assets
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown error", "err", err)
		}
	}()

	s.log.Info("api server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

type contextKey string

const userContextKey contextKey = "user"

func (s *Server) bearerAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")
			if header == "" || token == header {
				s.writeError(w, apperr.Authentication("missing bearer token"))
				return
			}
			user, err := s.auth.FindByAPIToken(r.Context(), token)
			if err != nil {
				s.log.Error("auth lookup failed", "err", err)
				s.writeError(w, fmt.Errorf("auth lookup: %w", err))
				return
			}
			if user == nil {
				s.writeError(w, apperr.Authentication("invalid token"))
				return
			}
			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userFrom(r *http.Request) *models.User {
	user, _ := r.Context().Value(userContextKey).(*models.User)
	return user
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	body := map[string]any{
		"code":    string(apperr.CodeOf(err)),
		"message": err.Error(),
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body["message"] = appErr.Message
		if appErr.Code == apperr.CodeInsufficientCredits {
			body["required"] = appErr.Required
			body["available"] = appErr.Available
		}
	} else {
		// Do not leak internals to clients.
		body["message"] = "internal error"
	}
	if status >= 500 {
		s.log.Error("request failed", "err", err)
	}
	s.writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("invalid json body")
	}
	return nil
}
