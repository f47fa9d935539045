package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"memetrade/internal/auth"
	"memetrade/internal/trade"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const userContextKey contextKey = "user"

// Accounts is the identity provider behind signup, login and bearer tokens.
type Accounts interface {
	auth.Verifier
	SignUp(ctx context.Context, email, password, username string) (auth.Session, error)
	Login(ctx context.Context, email, password string) (auth.Session, error)
}

// Channel serves the notification WebSocket for an already resolved user.
type Channel interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string)
}

type Server struct {
	log      *slog.Logger
	accounts Accounts
	tickets  *auth.TicketIssuer
	trade    *trade.Service
	channel  Channel
	mux      *chi.Mux
}

func New(logger *slog.Logger, accounts Accounts, tickets *auth.TicketIssuer, svc *trade.Service, channel Channel) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:      logger,
		accounts: accounts,
		tickets:  tickets,
		trade:    svc,
		channel:  channel,
		mux:      chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		// The notification channel lives as long as the client stays connected.
		r.Get("/ws", s.handleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Post("/auth/signup", s.handleSignup)
			r.Post("/auth/login", s.handleLogin)

			r.Group(func(r chi.Router) {
				r.Use(s.authMiddleware)
				r.Get("/me", s.handleMe)
				r.Get("/holdings", s.handleHolding)
				r.Post("/ws/ticket", s.handleTicket)

				r.Get("/offers", s.handleOffersList)
				r.Post("/offers", s.handlePropose)
				r.Get("/offers/{id}", s.handleOfferDetail)
				r.Post("/offers/{id}/accept", s.handleAccept)
				r.Post("/offers/{id}/reject", s.handleReject)
				r.Post("/offers/{id}/withdraw", s.handleWithdraw)

				r.Get("/sessions", s.handleSessionsList)
				r.Get("/sessions/{id}", s.handleSessionDetail)
				r.Post("/sessions/{id}/items", s.handleAddItem)
				r.Delete("/sessions/{id}/items/{item_id}", s.handleRemoveItem)
				r.Post("/sessions/{id}/ready", s.handleReady)
				r.Post("/sessions/{id}/cancel", s.handleCancel)
			})
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		id, err := s.accounts.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) (auth.Identity, error) {
	id, ok := ctx.Value(userContextKey).(auth.Identity)
	if !ok || id.UserID == "" {
		return auth.Identity{}, errors.New("missing auth context")
	}
	return id, nil
}

// handleWS resolves the caller from a bearer header or a ticket query
// parameter. Failed resolution still upgrades so the client receives an
// auth_error on the channel itself.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := ""
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		if id, err := s.accounts.Verify(r.Context(), token); err == nil {
			userID = id.UserID
		}
	} else if ticket := strings.TrimSpace(r.URL.Query().Get("ticket")); ticket != "" && s.tickets != nil {
		if id, err := s.tickets.Parse(ticket); err == nil {
			userID = id.UserID
		} else {
			s.log.Debug("rejected websocket ticket", "err", err)
		}
	}
	s.channel.Serve(w, r, userID)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	username := strings.TrimSpace(in.Username)
	session, err := s.accounts.SignUp(r.Context(), strings.TrimSpace(in.Email), in.Password, username)
	if err != nil {
		writeError(w, http.StatusBadRequest, "signup_failed", err.Error())
		return
	}
	if session.User.ID != "" {
		if err := s.trade.EnsureParticipant(r.Context(), session.User.ID, session.User.Email, username); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	session, err := s.accounts.Login(r.Context(), strings.TrimSpace(in.Email), in.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	id := session.User.Identity()
	if err := s.trade.EnsureParticipant(r.Context(), id.UserID, id.Email, id.Username); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	if err := s.trade.EnsureParticipant(r.Context(), user.UserID, user.Email, user.Username); err != nil {
		writeDomainError(w, err)
		return
	}
	coins, err := s.trade.Holding(r.Context(), user.UserID, trade.Asset{Kind: trade.KindCoins})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  user.UserID,
		"email":    user.Email,
		"username": user.Username,
		"coins":    coins,
	})
}

func (s *Server) handleHolding(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	kind, err := trade.ParseAssetKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	asset, err := trade.ValidateLineItem(kind, r.URL.Query().Get("ref"), 1)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	qty, err := s.trade.Holding(r.Context(), user.UserID, asset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": asset.Kind, "ref": asset.Ref, "quantity": qty})
}

func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	if s.tickets == nil {
		writeError(w, http.StatusNotFound, "not_found", "tickets are not enabled")
		return
	}
	ticket, exp, err := s.tickets.Issue(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ticket": ticket, "expires_at": exp})
}

func (s *Server) handleOffersList(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	offers, err := s.trade.ListOffers(r.Context(), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	var in struct {
		TargetID string `json:"target_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	offer, err := s.trade.ProposeTrade(r.Context(), user.UserID, strings.TrimSpace(in.TargetID))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) handleOfferDetail(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	offer, err := s.trade.GetOffer(r.Context(), user.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	sess, err := s.trade.AcceptOffer(r.Context(), user.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	if err := s.trade.RejectOffer(r.Context(), user.UserID, chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	if err := s.trade.WithdrawOffer(r.Context(), user.UserID, chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	sessions, err := s.trade.ListActiveSessions(r.Context(), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	sess, err := s.trade.GetSession(r.Context(), user.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	var in struct {
		Kind     string `json:"kind"`
		ItemRef  string `json:"item_ref"`
		Quantity int64  `json:"quantity"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	kind, err := trade.ParseAssetKind(in.Kind)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	item, err := s.trade.AddLineItem(r.Context(), trade.AddItemInput{
		SessionID:      chi.URLParam(r, "id"),
		ActorID:        user.UserID,
		Kind:           kind,
		ItemRef:        in.ItemRef,
		Quantity:       in.Quantity,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	if err := s.trade.RemoveLineItem(r.Context(), user.UserID, chi.URLParam(r, "id"), chi.URLParam(r, "item_id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	sess, err := s.trade.SetReady(r.Context(), user.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		return
	}
	if err := s.trade.CancelSession(r.Context(), user.UserID, chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, trade.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, trade.ErrNotAuthorized), errors.Is(err, trade.ErrNotParticipant), errors.Is(err, trade.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, trade.ErrExpired):
		return http.StatusGone
	case errors.Is(err, trade.ErrSessionNotActive), errors.Is(err, trade.ErrAlreadyPending),
		errors.Is(err, trade.ErrStaleOffer), errors.Is(err, trade.ErrTransferFailed),
		errors.Is(err, trade.ErrTxConflict), errors.Is(err, trade.ErrDuplicateRequest),
		errors.Is(err, trade.ErrAssetReserved):
		return http.StatusConflict
	case errors.Is(err, trade.ErrInsufficientHolding), errors.Is(err, trade.ErrInvalidTarget),
		errors.Is(err, trade.ErrInvalidLineItem):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	code := trade.Code(err)
	if status == http.StatusUnauthorized {
		code = "unauthorized"
	}
	writeError(w, status, code, err.Error())
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message), "code": code})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
