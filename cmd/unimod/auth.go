package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	ctxUserID = "userId"
	ctxRole   = "role"
	RoleAdmin = "admin"
)

// Claims is the bearer token payload issued by the main platform.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

func parseToken(secret []byte, raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no userId")
	}
	return claims, nil
}

// IssueToken signs an HS256 token in the format the API accepts.
func IssueToken(secret []byte, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func unauthorized(c echo.Context, msg string) error {
	return c.JSON(http.StatusUnauthorized, GenericError{
		Error:   "Unauthorized",
		Message: msg,
	})
}

// requireAuth verifies the "Authorization: Bearer" header and stores the
// caller's id and role on the context.
func (srv *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if len(srv.jwtSecret) == 0 {
			return c.JSON(http.StatusInternalServerError, GenericError{
				Error:   "InternalServerError",
				Message: "server configuration error",
			})
		}
		header := c.Request().Header.Get("Authorization")
		scheme, raw, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
			return unauthorized(c, "no token, authorization denied")
		}
		claims, err := parseToken(srv.jwtSecret, raw)
		if err != nil {
			srv.logger.Debug("token verification failed", "err", err)
			return unauthorized(c, "token is not valid")
		}
		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxRole, claims.Role)
		return next(c)
	}
}

func requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		role := callerRole(c)
		if role == "" {
			return unauthorized(c, "unauthorized")
		}
		if role != RoleAdmin {
			return c.JSON(http.StatusForbidden, GenericError{
				Error:   "Forbidden",
				Message: "admin role required",
			})
		}
		return next(c)
	}
}

func callerID(c echo.Context) string {
	s, _ := c.Get(ctxUserID).(string)
	return s
}

func callerRole(c echo.Context) string {
	s, _ := c.Get(ctxRole).(string)
	return s
}

func mustSecret(s string) ([]byte, error) {
	if len(s) < 16 {
		return nil, fmt.Errorf("JWT secret must be at least 16 bytes")
	}
	return []byte(s), nil
}
