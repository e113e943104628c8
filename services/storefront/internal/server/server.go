package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"ebookstore/internal/ratelimit"
	"ebookstore/internal/security"
	"ebookstore/internal/util"
	"ebookstore/pkg/domain"
	"ebookstore/services/storefront/internal/app"
)

const signatureHeader = "X-Signature"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                *app.App
	WebhookSecret      string
	CORSAllowedOrigins []string
	TrustedProxies     *util.TrustedProxies
	MaxUploadBytes     int64
	MaxCoverBytes      int64

	// Limiters are optional; a nil limiter disables that limit.
	SignupLimiter   *ratelimit.FixedWindowLimiter
	LoginLimiter    *ratelimit.FixedWindowLimiter
	DownloadLimiter *ratelimit.FixedWindowLimiter
	// Alerter is optional and raises security_alert logs on repeated failures.
	Alerter *security.AuditAlerter
}

// Server exposes the storefront HTTP API.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	webhookSecret   string
	allowedOrigins  []string
	trustedProxies  *util.TrustedProxies
	maxUploadBytes  int64
	maxCoverBytes   int64
	signupLimiter   *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
	downloadLimiter *ratelimit.FixedWindowLimiter
	alerter         *security.AuditAlerter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("storefront app required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 200 << 20
	}
	maxCoverBytes := cfg.MaxCoverBytes
	if maxCoverBytes <= 0 {
		maxCoverBytes = 5 << 20
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		webhookSecret:   strings.TrimSpace(cfg.WebhookSecret),
		allowedOrigins:  cfg.CORSAllowedOrigins,
		trustedProxies:  cfg.TrustedProxies,
		maxUploadBytes:  maxUploadBytes,
		maxCoverBytes:   maxCoverBytes,
		signupLimiter:   cfg.SignupLimiter,
		loginLimiter:    cfg.LoginLimiter,
		downloadLimiter: cfg.DownloadLimiter,
		alerter:         cfg.Alerter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("storefront", util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/auth/login", s.handleLogin)
	s.mux.HandleFunc("/auth/logout", s.handleLogout)
	s.mux.Handle("/auth/me", s.withUser(s.handleMe))

	// catalog (public) and downloads
	s.mux.HandleFunc("/books", s.handleBooks)
	s.mux.HandleFunc("/books/", s.handleBookByID)
	s.mux.HandleFunc("/authors", s.handleAuthors)
	s.mux.HandleFunc("/categories", s.handleCategories)

	// cart, orders, library
	s.mux.Handle("/cart", s.withUser(s.handleCart))
	s.mux.Handle("/cart/items", s.withUser(s.handleCartItems))
	s.mux.Handle("/cart/items/", s.withUser(s.handleCartItemByID))
	s.mux.Handle("/orders", s.withUser(s.handleOrders))
	s.mux.Handle("/orders/", s.withUser(s.handleOrderByID))
	s.mux.Handle("/library", s.withUser(s.handleLibrary))
	s.mux.Handle("/library/", s.withUser(s.handleLibraryClaim))

	s.mux.HandleFunc("/webhooks/payments", s.handlePaymentWebhook)

	// admin
	s.mux.Handle("/admin/books", s.withAdmin(s.handleAdminBooks))
	s.mux.Handle("/admin/books/", s.withAdmin(s.handleAdminBookByID))
	s.mux.Handle("/admin/authors", s.withAdmin(s.handleAdminAuthors))
	s.mux.Handle("/admin/authors/", s.withAdmin(s.handleAdminAuthorByID))
	s.mux.Handle("/admin/categories", s.withAdmin(s.handleAdminCategories))
	s.mux.Handle("/admin/categories/", s.withAdmin(s.handleAdminCategoryByID))
	s.mux.Handle("/admin/orders", s.withAdmin(s.handleAdminOrders))
	s.mux.Handle("/admin/orders/", s.withAdmin(s.handleAdminOrderByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.app.UserFromToken(r.Context(), token)
		if err != nil {
			if !app.IsAuthError(err) {
				writeAppError(w, r, err)
				return
			}
			s.audit(r, "storefront.token.verify", "fail")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", user.ID))
		next(w, r.WithContext(ctx), user)
	})
}

func (s *Server) withAdmin(next userHandler) http.Handler {
	return s.withUser(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if err := app.RequireAdmin(user); err != nil {
			s.audit(r, "storefront.admin.authorize", "fail", "reason", "forbidden")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, user)
	})
}

// auth handlers
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.signupLimiter, "signup:"+s.clientIP(r), "too many signup attempts") {
		s.audit(r, "storefront.signup", "rate_limited")
		return
	}
	var req authRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, token, err := s.app.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "storefront.signup", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "storefront.signup", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "login:"+s.clientIP(r), "too many login attempts") {
		s.audit(r, "storefront.login", "rate_limited")
		return
	}
	var req authRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "storefront.login", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "storefront.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(r.Context(), token); err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "storefront.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// catalog handlers
func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q, err := parseBookQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.app.ListBooks(r.Context(), q)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// /books/{id}, /books/{id}/cover, /books/{id}/download-status, /books/{id}/download
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/books/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "download":
			s.withUser(func(w http.ResponseWriter, r *http.Request, user domain.User) {
				s.handleDownload(w, r, user, id)
			}).ServeHTTP(w, r)
		case "download-status":
			s.withUser(func(w http.ResponseWriter, r *http.Request, user domain.User) {
				s.handleDownloadStatus(w, r, user, id)
			}).ServeHTTP(w, r)
		case "cover":
			s.handleCover(w, r, id)
		default:
			notFound(w, "not found")
		}
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	book, err := s.app.GetBook(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) handleDownloadStatus(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	decision, err := s.app.DownloadStatus(r.Context(), user.ID, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// handleDownload returns a pre-signed download URL and counts the download.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.downloadLimiter, "download:"+user.ID, "too many download requests") {
		return
	}
	link, err := s.app.Download(r.Context(), user.ID, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleCover(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	url, err := s.app.CoverURL(r.Context(), id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleAuthors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	authors, err := s.app.ListAuthors(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": authors, "count": len(authors)})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	categories, err := s.app.ListCategories(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": categories, "count": len(categories)})
}

// cart handlers
func (s *Server) handleCart(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		cart, err := s.app.Cart(r.Context(), user)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cart)
	case http.MethodDelete:
		if err := s.app.ClearCart(r.Context(), user); err != nil {
			writeAppError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCartItems(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req cartItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.BookID) == "" {
		writeError(w, http.StatusBadRequest, "bookId is required")
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	cart, err := s.app.AddToCart(r.Context(), user, req.BookID, req.Quantity)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

// /cart/items/{bookId}
func (s *Server) handleCartItemByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	bookID := strings.TrimPrefix(r.URL.Path, "/cart/items/")
	if bookID == "" || strings.Contains(bookID, "/") {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	cart, err := s.app.RemoveFromCart(r.Context(), user, bookID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

// order handlers
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		var req checkoutRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		var (
			order domain.Order
			err   error
		)
		if len(req.Items) == 0 {
			order, err = s.app.CheckoutCart(r.Context(), user)
		} else {
			order, err = s.app.Checkout(r.Context(), user, req.Items)
		}
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, order)
	case http.MethodGet:
		orders, err := s.app.ListMyOrders(r.Context(), user)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": orders, "count": len(orders)})
	default:
		methodNotAllowed(w)
	}
}

// /orders/{id} or /orders/{id}/cancel
func (s *Server) handleOrderByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/orders/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 {
		if parts[1] != "cancel" {
			notFound(w, "not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		order, err := s.app.CancelMyOrder(r.Context(), user, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	order, err := s.app.GetOrder(r.Context(), user, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// library handlers
func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	items, err := s.app.Library(r.Context(), user)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// /library/{bookId}/claim
func (s *Server) handleLibraryClaim(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/library/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "claim" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	item, err := s.app.ClaimFreeBook(r.Context(), user, parts[0])
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handlePaymentWebhook accepts signed payment notifications.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.webhookSecret == "" {
		writeError(w, http.StatusInternalServerError, "webhook secret not configured")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !app.VerifySignature(s.webhookSecret, body, r.Header.Get(signatureHeader)) {
		s.audit(r, "storefront.webhook.verify", "fail")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	var ev app.PaymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.app.HandlePaymentEvent(r.Context(), ev, body)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type cartItemRequest struct {
	BookID   string `json:"bookId"`
	Quantity int    `json:"quantity"`
}

type checkoutRequest struct {
	Items []app.CheckoutItem `json:"items"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func parseBookQuery(r *http.Request) (domain.BookQuery, error) {
	values := r.URL.Query()
	q := domain.BookQuery{
		Search:     strings.TrimSpace(values.Get("q")),
		CategoryID: strings.TrimSpace(values.Get("category")),
		AuthorID:   strings.TrimSpace(values.Get("author")),
		Sort:       domain.BookSort(strings.ToLower(strings.TrimSpace(values.Get("sort")))),
	}
	if raw := strings.TrimSpace(values.Get("free")); raw != "" {
		free, err := strconv.ParseBool(raw)
		if err != nil {
			return q, errors.New("invalid free")
		}
		q.FreeOnly = free
	}
	for _, p := range []struct {
		name string
		dst  **decimal.Decimal
	}{{"minPrice", &q.MinPrice}, {"maxPrice", &q.MaxPrice}} {
		raw := strings.TrimSpace(values.Get(p.name))
		if raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return q, fmt.Errorf("invalid %s", p.name)
		}
		*p.dst = &v
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"page", &q.Page}, {"pageSize", &q.PageSize}} {
		raw := strings.TrimSpace(values.Get(p.name))
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return q, fmt.Errorf("invalid %s", p.name)
		}
		*p.dst = v
	}
	return q, nil
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := s.clientIP(r)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	if s.alerter == nil {
		return
	}
	alert, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security alert observe failed", "event", event, "err", err)
		return
	}
	if alert.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", alert.Count,
			"threshold", alert.Threshold,
			"window_seconds", int(alert.Window.Seconds()),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, key, msg string) bool {
	if limiter == nil || limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(limiter.Window().Seconds())))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
