package auth

import (
	"context"
	"net/http"
	"strings"

	resp "github.com/gymfit/billing/response"

	"github.com/dgrijalva/jwt-go"
)

var bearerPrefix = "Bearer "
var jwtSigningMethod = jwt.SigningMethodHS256

// VerifyToken will parse and verify a signed token. Invalid or expired
// tokens return (nil, nil) so callers can map them to 401 without
// forwarding jwt internals.
func (a *Auth) VerifyToken(token string) (*Claims, error) {
	claims := &Claims{}
	jwtToken, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return a.jwtKey, nil
	})
	if err != nil {
		if err == jwt.ErrSignatureInvalid {
			return nil, nil
		}
		if _, ok := err.(*jwt.ValidationError); ok {
			return nil, nil
		}
		return nil, err
	}
	if jwtToken.Method != jwtSigningMethod {
		return nil, nil
	}
	if !jwtToken.Valid {
		return nil, nil
	}
	return claims, nil
}

// Middleware requires a valid Bearer service token on the request and
// injects the Claims into the request context
func (a *Auth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, bearerPrefix) {
				resp.WriteError(w, r, resp.ErrNoBearer())
				return
			}
			claims, err := a.VerifyToken(strings.TrimPrefix(header, bearerPrefix))
			if err != nil {
				resp.WriteError(w, r, resp.ErrVerifyToken())
				return
			}
			if claims == nil {
				resp.WriteError(w, r, resp.ErrUnauthorized())
				return
			}
			ctx := context.WithValue(r.Context(), Context, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminOnly restricts an endpoint to tokens carrying the admin flag.
// Must be mounted after Middleware.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := r.Context().Value(Context).(*Claims)
		if !ok || claims == nil {
			resp.WriteError(w, r, resp.ErrUnauthorized())
			return
		}
		if !claims.Admin {
			resp.WriteError(w, r, resp.ErrForbidden())
			return
		}
		next.ServeHTTP(w, r)
	})
}
