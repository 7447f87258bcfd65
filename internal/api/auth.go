// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/samber/oops"
)

const authContextKey = "mauhost_user"

// signToken issues a management token for user. Tokens are HMAC-signed
// with the host's unshared secret and carry the acting user as subject;
// they stay valid until the secret rotates.
func (s *Server) signToken(user string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:  user,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	})
	signed, err := token.SignedString([]byte(s.cfg.Server.UnsharedSecret))
	if err != nil {
		return "", oops.Code("TOKEN_SIGN_FAILED").Wrap(err)
	}
	return signed, nil
}

// verifyToken checks the signature and returns the acting user. A valid
// signature alone is not enough: the user must still be in the admin set.
func (s *Server) verifyToken(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, oops.Code("INVALID_TOKEN").
					With("alg", t.Header["alg"]).
					New("unexpected signing method")
			}
			return []byte(s.cfg.Server.UnsharedSecret), nil
		})
	if err != nil {
		return "", oops.Code("INVALID_TOKEN").Wrap(err)
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", oops.Code("INVALID_TOKEN").New("token carries no subject")
	}
	if !s.cfg.IsAdmin(claims.Subject) {
		return "", oops.Code("INVALID_TOKEN").
			With("user", claims.Subject).
			New("token subject is not an admin")
	}
	return claims.Subject, nil
}

// extractToken pulls the management token from the Authorization header
// or the access_token query parameter.
func extractToken(c echo.Context) string {
	const prefix = "Bearer "
	h := c.Request().Header.Get("Authorization")
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return c.QueryParam("access_token")
}

// requireAuth guards every management route behind a valid token.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractToken(c)
		if token == "" {
			return respondErrorCode(c, http.StatusUnauthorized,
				"auth_token_missing", "Authorization token is missing")
		}
		user, err := s.verifyToken(token)
		if err != nil {
			return respondError(c, err)
		}
		c.Set(authContextKey, user)
		return next(c)
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// handleLogin exchanges an admin username/password for a signed token.
func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, oops.Code("BAD_REQUEST_BODY").Wrap(err))
	}
	if !s.cfg.CheckPassword(req.Username, req.Password) {
		return respondError(c, oops.Code("INVALID_CREDENTIALS").
			With("user", req.Username).
			New("invalid username or password"))
	}
	token, err := s.signToken(req.Username)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, loginResponse{Token: token})
}
