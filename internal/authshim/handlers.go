package authshim

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aureuma/botctl/internal/store"
)

// Handlers exposes the register/login HTTP endpoints. It is deliberately
// minimal: no password reset, no email verification, no RBAC.
type Handlers struct {
	svc   *Service
	store *store.Store
}

func NewHandlers(svc *Service, st *store.Store) *Handlers {
	return &Handlers{svc: svc, store: st}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Register creates a new user and returns an access token.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	creds.Email = strings.TrimSpace(strings.ToLower(creds.Email))
	if creds.Email == "" || len(creds.Password) < 8 {
		http.Error(w, "email required, password must be at least 8 characters", http.StatusBadRequest)
		return
	}

	if _, err := h.store.GetUserByEmail(r.Context(), creds.Email); err == nil {
		http.Error(w, "email already registered", http.StatusConflict)
		return
	}

	hash, err := HashPassword(creds.Password)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	user, err := h.store.InsertUser(r.Context(), creds.Email, hash)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.issueAndWrite(w, user.ID)
}

// Login verifies credentials and returns an access token.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	creds.Email = strings.TrimSpace(strings.ToLower(creds.Email))

	user, err := h.store.GetUserByEmail(r.Context(), creds.Email)
	if err != nil || !CheckPassword(user.PasswordHash, creds.Password) {
		http.Error(w, "invalid email or password", http.StatusUnauthorized)
		return
	}
	if user.Suspended {
		http.Error(w, "account suspended", http.StatusForbidden)
		return
	}

	h.issueAndWrite(w, user.ID)
}

func (h *Handlers) issueAndWrite(w http.ResponseWriter, userID int64) {
	token, err := h.svc.IssueToken(userID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: token, TokenType: "bearer"})
}
