package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/xerrors"

	"github.com/nixforge/nixforge/internal/database"
)

type contextKey int

const userKey contextKey = 0

// requestUser returns the authenticated principal stored by the
// middleware.
func requestUser(r *http.Request) *database.User {
	u, _ := r.Context().Value(userKey).(*database.User)
	return u
}

// authenticate validates the bearer token and resolves its subject to a
// user row. The token must be HMAC-signed with the configured secret.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.verifyBearer(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func (s *Server) verifyBearer(r *http.Request) (*database.User, error) {
	auth := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return nil, xerrors.New("missing bearer token")
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, xerrors.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return s.JWTSecret, nil
	})
	if err != nil {
		return nil, xerrors.Errorf("parsing token: %w", err)
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return nil, xerrors.New("token carries no subject")
	}
	user, err := s.DB.GetUserByUsername(r.Context(), subject)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, xerrors.Errorf("unknown subject %q", subject)
	}
	return user, nil
}
