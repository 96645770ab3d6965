package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"wirtbot/pkg/auth"
	"wirtbot/pkg/model"
	"wirtbot/pkg/topology"
	"wirtbot/pkg/version"
)

// SessionTTL is the lifetime of a login token.
const SessionTTL = 24 * time.Hour

// AuthHandler serves user registration and login backed by gorm.
type AuthHandler struct {
	DB *gorm.DB
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *AuthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/auth/register", a.handleRegister)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"build": version.Build, "schema": version.Schema})
	})
}

// handleRegister only allows the first user to be created (admin).
func (a *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.DB == nil {
		http.Error(w, "user accounts are disabled", http.StatusNotImplemented)
		return
	}
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	var count int64
	a.DB.Model(&model.User{}).Count(&count)
	if count > 0 {
		http.Error(w, "registration closed", http.StatusForbidden)
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "failed to hash password", http.StatusInternalServerError)
		return
	}
	user := model.User{Username: req.Username, PasswordHash: string(hash), IsAdmin: true}
	if err := a.DB.Create(&user).Error; err != nil {
		http.Error(w, "failed to create user", http.StatusInternalServerError)
		return
	}
	token, _ := auth.Generate(user.ID, user.Username, SessionTTL)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.DB == nil {
		http.Error(w, "user accounts are disabled", http.StatusNotImplemented)
		return
	}
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" || req.Password == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	var user model.User
	if err := a.DB.Where("username = ?", req.Username).First(&user).Error; err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token, _ := auth.Generate(user.ID, user.Username, SessionTTL)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Authenticator accepts a static token (X-Auth-Token, Bearer or ?token= for
// websockets) or a login session JWT. With no token and Open set, every
// request is let through as "anonymous".
type Authenticator struct {
	Token string
	Open  bool
}

// Identify returns the actor behind r.
func (a Authenticator) Identify(r *http.Request) (string, bool) {
	presented := r.Header.Get("X-Auth-Token")
	if presented == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			presented = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if presented == "" {
		presented = r.URL.Query().Get("token")
	}
	if presented != "" {
		if a.Token != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(a.Token)) == 1 {
			return "token", true
		}
		if claims, err := auth.Parse(presented); err == nil {
			return claims.Username, true
		}
		return "", false
	}
	if a.Open && a.Token == "" {
		return "anonymous", true
	}
	return "", false
}

// Wrap rejects unauthenticated requests and tags the context with the actor
// for the audit log.
func (a Authenticator) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := a.Identify(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(topology.WithActor(r.Context(), actor)))
	}
}
