package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/authz"
	"github.com/propledger/backend/internal/models"
)

type contextKey string

const sessionKey contextKey = "session"

var ErrUnauthenticated = apperrors.Authorization(apperrors.CodeUnauthenticated, "valid bearer token required")

// Claims are the session claims issued by the identity provider.
type Claims struct {
	ActorID  string `json:"actor_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens and puts the resulting session in
// the request context.
type Authenticator struct {
	secret []byte
	logger *zap.Logger
}

func NewAuthenticator(secret string, logger *zap.Logger) *Authenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{secret: []byte(secret), logger: logger}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get token from Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			apperrors.WriteHTTP(w, a.logger, CorrelationIDFromContext(r.Context()), ErrUnauthenticated)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			apperrors.WriteHTTP(w, a.logger, CorrelationIDFromContext(r.Context()),
				ErrUnauthenticated.WithDetail("reason", "invalid authorization header format"))
			return
		}

		session, err := a.validateToken(parts[1])
		if err != nil {
			a.logger.Info("rejected bearer token",
				zap.String("correlation_id", CorrelationIDFromContext(r.Context())),
				zap.Error(err))
			apperrors.WriteHTTP(w, a.logger, CorrelationIDFromContext(r.Context()), ErrUnauthenticated)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
	})
}

func (a *Authenticator) validateToken(tokenString string) (authz.Session, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return authz.Session{}, err
	}
	if !token.Valid {
		return authz.Session{}, errors.New("token is not valid")
	}

	if claims.ActorID == "" || claims.TenantID == "" {
		return authz.Session{}, errors.New("token lacks actor or tenant claim")
	}
	role, ok := models.ParseRole(claims.Role)
	if !ok {
		return authz.Session{}, errors.New("token carries an unknown role")
	}
	return authz.Session{ActorID: claims.ActorID, TenantID: claims.TenantID, Role: role}, nil
}

func WithSession(ctx context.Context, s authz.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFromContext returns the verified session of the request.
func SessionFromContext(ctx context.Context) (authz.Session, bool) {
	s, ok := ctx.Value(sessionKey).(authz.Session)
	return s, ok
}
