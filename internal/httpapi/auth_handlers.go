package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/audit"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      userView  `json:"user"`
}

type userView struct {
	ID             int64  `json:"id"`
	PersonalNumber string `json:"personal_number"`
	Email          string `json:"email"`
	IsAdmin        bool   `json:"is_admin"`
}

// Compared against when the email is unknown so both failure paths cost
// a bcrypt verification.
var dummyPasswordHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	var user *auth.User
	err := a.storeRetry(r.Context(), func(ctx context.Context) error {
		var ferr error
		user, ferr = a.users.FindByEmail(ctx, req.Email)
		return ferr
	}, auth.ErrNotFound)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyPasswordHash, []byte(req.Password))
			a.failLogin(w, r, req.Email)
			return
		}
		a.writeStorageUnavailable(w, r, "login unavailable", err)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		a.failLogin(w, r, req.Email)
		return
	}

	token, expiresAt, err := a.tokens.Generate(user)
	if err != nil {
		a.writeServerError(w, r, http.StatusInternalServerError, "login failed", err)
		return
	}

	ip := clientIP(r)
	a.logins.Reset(ip)
	noteFromContext(r.Context()).setPrincipal(auth.Principal{Method: auth.MethodJWT, User: user})
	a.setCSRFCookie(w, uuid.NewString())

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User: userView{
			ID:             user.ID,
			PersonalNumber: user.PersonalNumber,
			Email:          user.Email,
			IsAdmin:        user.IsAdmin,
		},
	})
}

// failLogin answers 401 and emits the dedicated failure entry. The
// failure that exhausts the budget escalates to critical, which the
// writer auto-pins for SOC review.
func (a *API) failLogin(w http.ResponseWriter, r *http.Request, email string) {
	ip := clientIP(r)
	crossed := a.logins.RecordFailure(ip)

	priority := audit.PriorityHigh
	if crossed {
		priority = audit.PriorityCritical
	}
	entry := &audit.Entry{
		Action:       audit.ActionAuthFailed,
		Resource:     audit.ResourceAuth,
		Status:       audit.StatusFailure,
		Priority:     priority,
		UserEmail:    email,
		ErrorMessage: "invalid credentials",
	}
	a.fillRequestFields(entry, r)
	a.writer.Submit(entry)

	noteDetail(r.Context(), "login_email", email)
	writeError(w, r, http.StatusUnauthorized, "invalid credentials")
}

// handleLogout just audits and clears the CSRF cookie; tokens are
// stateless and expire on their own.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}
