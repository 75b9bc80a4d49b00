// Package api is the JSON surface the browser terminal reads the core
// through: account state, news pages, and the trading intents.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"tradedesk/pkg/creds"
	"tradedesk/pkg/models"
	"tradedesk/pkg/news"
	"tradedesk/pkg/venue"
)

type Server struct {
	session *venue.Session
	cache   *news.Cache
	creds   *creds.Store
	logger  *logrus.Logger
	port    string
	secret  string
}

func NewServer(session *venue.Session, cache *news.Cache, credStore *creds.Store, logger *logrus.Logger, port, authSecret string) *Server {
	return &Server{
		session: session,
		cache:   cache,
		creds:   credStore,
		logger:  logger,
		port:    port,
		secret:  authSecret,
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/balance", s.handleBalance)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/positions/close", s.handleClose)
	mux.HandleFunc("/api/positions/close-all", s.handleCloseAll)
	mux.HandleFunc("/api/brackets", s.handleBrackets)
	mux.HandleFunc("/api/news", s.handleNews)
	mux.HandleFunc("/api/orders", s.handleOrders)
	mux.HandleFunc("/api/leverage", s.handleLeverage)
	mux.HandleFunc("/api/margin-type", s.handleMarginType)
	mux.HandleFunc("/api/position-mode", s.handlePositionMode)
	mux.HandleFunc("/api/credentials", s.handleCredentials)

	handler := corsMiddleware(authMiddleware(s.secret, mux))

	s.logger.Infof("Starting API server on port %s", s.port)
	return http.ListenAndServe(":"+s.port, handler)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"connection":    s.session.Status(),
		"authenticated": s.session.Authenticated(),
		"positionMode":  s.session.PositionMode(),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Balances())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Positions())
}

func (s *Server) handleBrackets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.session.Brackets())
}

func (s *Server) handleNews(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if size <= 0 {
		size = 50
	}
	symbol := r.URL.Query().Get("symbol")

	var items []models.NewsItem
	if symbol != "" {
		items = s.cache.FilterPage(news.SymbolFilter(symbol), page, size)
	} else {
		items = s.cache.Page(page, size)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": s.cache.Len(),
	})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var intent models.OrderIntent
	if err := json.NewDecoder(r.Body).Decode(&intent); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.session.PlaceOrder(r.Context(), intent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		PositionID string           `json:"positionId"`
		Type       models.OrderType `json:"type"`
		LimitPrice float64          `json:"limitPrice"`
		Size       float64          `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = models.OrderTypeMarket
	}

	result, err := s.session.ClosePosition(r.Context(), req.PositionID, req.Type, req.LimitPrice, req.Size)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.session.CloseAllPositions(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "done"})
}

func (s *Server) handleLeverage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Symbol   string `json:"symbol"`
		Leverage int    `json:"leverage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.session.UpdateLeverage(r.Context(), req.Symbol, req.Leverage); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "done"})
}

func (s *Server) handleMarginType(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Symbol     string            `json:"symbol"`
		MarginType models.MarginType `json:"marginType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.session.UpdateMarginType(r.Context(), req.Symbol, req.MarginType); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "done"})
}

func (s *Server) handlePositionMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Mode models.PositionMode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.session.UpdatePositionMode(r.Context(), req.Mode); err != nil {
		s.writeError(w, err)
		return
	}
	// Callers confirm the switch with a follow-up fetch.
	if err := s.session.FetchPositionMode(r.Context()); err != nil {
		s.logger.WithError(err).Warn("Position mode confirmation fetch failed")
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"mode": string(s.session.PositionMode())})
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Key     string `json:"key"`
			Secret  string `json:"secret"`
			Network string `json:"network"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		network := models.NetworkMain
		if req.Network == string(models.NetworkTest) {
			network = models.NetworkTest
		}
		s.creds.Set(models.Credentials{Key: req.Key, Secret: req.Secret, Network: network})
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})

	case http.MethodDelete:
		s.creds.Clear()
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// writeError maps the core error taxonomy onto HTTP statuses. Venue rejection
// messages pass through verbatim so the UI can toast them.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var ve *venue.VenueError
	switch {
	case errors.Is(err, venue.ErrNoCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, venue.ErrPositionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, venue.ErrAlreadyInProgress):
		status = http.StatusConflict
	case errors.Is(err, venue.ErrNoPriceData), errors.Is(err, venue.ErrMinNotional):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &ve):
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
