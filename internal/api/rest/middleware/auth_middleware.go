package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Dhoini/premium-gate/pkg/logger"
	"github.com/Dhoini/premium-gate/pkg/res"
)

// ContextKey тип для ключей контекста во избежание коллизий.
type ContextKey string

const (
	// ContextSubjectKey ключ для хранения субъекта токена в контексте.
	ContextSubjectKey ContextKey = "subject"
	// ContextScopeKey ключ для прав токена
	ContextScopeKey ContextKey = "scope"

	// ScopeAdmin права на чтение реестра и журналов
	ScopeAdmin = "admin"
	// ScopeUser права пользователя на собственные запросы; sub содержит ID пользователя
	ScopeUser = "user"

	authHeaderPrefix = "Bearer "
)

type TokenValidator interface {
	Validate(tokenString string) (*TokenClaims, error)
}

type TokenClaims struct {
	UserEmail string `json:"email"`
	Scope     string `json:"scope"`
	jwt.RegisteredClaims
}

type JWTMiddleware struct {
	log       *logger.Logger
	validator TokenValidator
}

func NewJWTMiddleware(log *logger.Logger, validator TokenValidator) *JWTMiddleware {
	return &JWTMiddleware{
		log:       log,
		validator: validator,
	}
}

func (m *JWTMiddleware) RequireAuth(requiredScopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, authHeaderPrefix) {
			m.handleAuthError(c, "Missing authorization token")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, authHeaderPrefix)
		claims, err := m.validator.Validate(tokenString)
		if err != nil {
			m.handleAuthError(c, fmt.Sprintf("Token validation failed: %v", err))
			return
		}

		if !m.hasRequiredScope(claims.Scope, requiredScopes) {
			m.handleAuthError(c, "Insufficient token permissions")
			return
		}

		if claims.Subject == "" {
			m.handleAuthError(c, "Subject (sub) missing in token")
			return
		}

		c.Set(string(ContextSubjectKey), claims.Subject)
		c.Set(string(ContextScopeKey), claims.Scope)
		m.log.Debugw("Request authenticated", "subject", claims.Subject, "scope", claims.Scope)
		c.Next()
	}
}

// RequireSubject пропускает запрос, только если субъект токена совпадает с параметром пути.
// Токен с правами admin действует за любого пользователя. Ставится после RequireAuth.
func (m *JWTMiddleware) RequireSubject(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := c.GetString(string(ContextSubjectKey))
		if subject == "" {
			m.handleAuthError(c, "Missing authorization token")
			return
		}
		if subject == c.Param(param) || m.hasRequiredScope(c.GetString(string(ContextScopeKey)), []string{ScopeAdmin}) {
			c.Next()
			return
		}

		m.log.Warnw("Token subject does not own the resource", "path", c.Request.URL.Path, "subject", subject)
		res.JsonResponse(c.Writer, res.ErrorResponse{
			Error:     "Token does not grant access to this user",
			ErrorCode: http.StatusForbidden,
		}, http.StatusForbidden)
		c.Abort()
	}
}

// hasRequiredScope допускает несколько прав в одном claim через пробел
func (m *JWTMiddleware) hasRequiredScope(tokenScope string, requiredScopes []string) bool {
	if len(requiredScopes) == 0 {
		return true
	}
	for _, granted := range strings.Fields(tokenScope) {
		for _, scope := range requiredScopes {
			if granted == scope {
				return true
			}
		}
	}
	return false
}

func (m *JWTMiddleware) handleAuthError(c *gin.Context, message string) {
	m.log.Warnw("HTTP authentication failed", "path", c.Request.URL.Path, "error", message)
	res.JsonResponse(c.Writer, res.ErrorResponse{
		Error:     message,
		ErrorCode: http.StatusUnauthorized,
	}, http.StatusUnauthorized)
	c.Abort()
}

// DefaultTokenValidator - реализация валидатора по умолчанию (HMAC).
type DefaultTokenValidator struct {
	Secret []byte
}

func (v *DefaultTokenValidator) Validate(tokenString string) (*TokenClaims, error) {
	if len(v.Secret) == 0 {
		return nil, errors.New("token validation is not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.Secret, nil
	})

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, errors.New("malformed token")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, errors.New("invalid token signature")
		case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, errors.New("token expired")
		default:
			return nil, fmt.Errorf("invalid token: %w", err)
		}
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token claims")
}
