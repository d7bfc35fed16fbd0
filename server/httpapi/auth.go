package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ternmail/tern/db"
	"github.com/ternmail/tern/helpers"
	"github.com/ternmail/tern/logger"
)

const minPasswordLength = 8

// JWTClaims carries the authenticated account identity inside the
// signed token.
type JWTClaims struct {
	Email     string `json:"email"`
	AccountID int64  `json:"account_id"`
	jwt.RegisteredClaims
}

type contextKey string

const (
	contextKeyEmail     contextKey = "email"
	contextKeyAccountID contextKey = "account_id"
)

func (s *Server) generateToken(account *db.Account) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.options.TokenDuration)

	claims := JWTClaims{
		Email:     account.Email,
		AccountID: account.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.options.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (s *Server) validateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.options.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func (s *Server) jwtAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}

		claims, err := s.validateToken(tokenString)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyEmail, claims.Email)
		ctx = context.WithValue(ctx, contextKeyAccountID, claims.AccountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accountIDFromContext(r *http.Request) (int64, error) {
	accountID, ok := r.Context().Value(contextKeyAccountID).(int64)
	if !ok {
		return 0, fmt.Errorf("no account in request context")
	}
	return accountID, nil
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	Account   accountInfo `json:"account"`
}

type accountInfo struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.options.AllowRegistration {
		s.writeError(w, http.StatusForbidden, "registration is disabled")
		return
	}

	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, _, err := helpers.SplitEmailAddress(req.Email); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}
	if len(req.Password) < minPasswordLength {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("password must be at least %d characters", minPasswordLength))
		return
	}

	account, err := s.store.CreateAccount(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	token, expiresAt, err := s.generateToken(account)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	logger.InfoContext(r.Context(), "account registered", "email", account.Email)
	s.writeJSON(w, http.StatusCreated, authResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Account:   accountInfo{ID: account.ID, Email: account.Email},
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	account, err := s.store.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	token, expiresAt, err := s.generateToken(account)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, authResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Account:   accountInfo{ID: account.ID, Email: account.Email},
	})
}

type profileResponse struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	account, err := s.store.GetAccountByID(r.Context(), accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, profileResponse{
		ID:        account.ID,
		Email:     account.Email,
		CreatedAt: account.CreatedAt,
	})
}

// handleLogout exists so clients have a uniform sign-out call. Tokens are
// stateless, so the server has nothing to revoke; clients discard the
// token and the session ends when it expires.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

// handleRefreshToken issues a fresh token for an already authenticated
// request. The account is re-read so a deleted account cannot keep
// refreshing indefinitely.
func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	account, err := s.store.GetAccountByID(r.Context(), accountID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	token, expiresAt, err := s.generateToken(account)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, authResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Account:   accountInfo{ID: account.ID, Email: account.Email},
	})
}
