// Package backendtest runs an in-process stand-in for the marketplace
// backend: it issues HS256 tokens on POST /jwt, stores user records on
// PUT /users/{email} and guards GET /me with the issued bearer tokens.
package backendtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/lborres/tether/core"
)

const issuer = "tether-backendtest"

type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Server is safe for concurrent use. Knobs may be changed while requests
// are in flight.
type Server struct {
	*httptest.Server

	secret []byte

	mu             sync.Mutex
	users          map[string]core.UserRecord
	exchanges      []string
	exchangeStatus int
	upsertStatus   int
	delay          time.Duration
	gate           chan struct{}
}

func NewServer() *Server {
	s := &Server{
		secret: []byte("backendtest-secret"),
		users:  make(map[string]core.UserRecord),
	}

	r := chi.NewRouter()
	r.Post("/jwt", s.handleExchange)
	r.Put("/users/{email}", s.handleUpsert)
	r.Get("/me", s.handleMe)

	s.Server = httptest.NewServer(r)
	return s
}

// FailExchange makes POST /jwt answer with status; 0 restores success
func (s *Server) FailExchange(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchangeStatus = status
}

// FailUpsert makes PUT /users answer with status; 0 restores success
func (s *Server) FailUpsert(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertStatus = status
}

// Delay holds every exchange for d before answering
func (s *Server) Delay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Gate holds exchanges until the returned func is called
func (s *Server) Gate() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (s *Server) User(email string) (core.UserRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[email]
	return u, ok
}

// Exchanges lists the emails that requested tokens, in order
func (s *Server) Exchanges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.exchanges...)
}

// Verify parses a token issued by this server
func (s *Server) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Server) issue(email string) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
		http.Error(w, "email is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.exchanges = append(s.exchanges, body.Email)
	status, delay, gate := s.exchangeStatus, s.delay, s.gate
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	token, err := s.issue(body.Email)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")

	var record core.UserRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		http.Error(w, "invalid user record", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertStatus != 0 {
		http.Error(w, http.StatusText(s.upsertStatus), s.upsertStatus)
		return
	}
	s.users[email] = record
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	claims, err := s.Verify(token)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, jwt.ErrTokenExpired) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"email": claims.Email})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
