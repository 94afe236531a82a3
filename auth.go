package harness

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

type ctxKey int

const authUserKey ctxKey = 0

// AuthUser is the identity attached to a request context once it has
// been authenticated against the gateway (or defaulted to "local" when
// no gateway is configured).
type AuthUser struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

func authUserFromContext(ctx context.Context) *AuthUser {
	u, _ := ctx.Value(authUserKey).(*AuthUser)
	return u
}

// ResolveUser returns the caller's username, defaulting to "local" when
// the request carries no authenticated identity (single-user, no-gateway
// deployments).
func ResolveUser(r *http.Request) string {
	if u := authUserFromContext(r.Context()); u != nil {
		return u.Username
	}
	return "local"
}

// ResolveRole returns the caller's role, defaulting to "admin" — the
// same no-gateway assumption ResolveUser makes.
func ResolveRole(r *http.Request) string {
	if u := authUserFromContext(r.Context()); u != nil {
		return u.Role
	}
	return "admin"
}

const gatewayTimeout = 10 * time.Second

// authMiddleware validates a bearer token against the gateway's
// /auth/me endpoint and attaches the resulting AuthUser to the request
// context. With gatewayURL empty, authentication is disabled entirely
// and every request is treated as the local admin user.
func authMiddleware(gatewayURL string, next http.Handler) http.Handler {
	if gatewayURL == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), authUserKey, &AuthUser{Username: "local", Role: "admin"})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	client := &http.Client{Timeout: gatewayTimeout}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}

		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, gatewayURL+"/auth/me", nil)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to build auth request")
			return
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := client.Do(req)
		if err != nil {
			log.Printf("auth: gateway unreachable: %v", err)
			writeJSONError(w, http.StatusBadGateway, "auth gateway unreachable")
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to read auth response")
			return
		}

		var user AuthUser
		if err := json.Unmarshal(body, &user); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to parse auth response")
			return
		}

		ctx := context.WithValue(r.Context(), authUserKey, &user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authProxy reverse-proxies auth routes (/auth/login, /auth/me) to the
// gateway so the frontend can call them same-origin instead of needing
// CORS configured against the gateway directly.
func authProxy(gatewayURL string) http.Handler {
	client := &http.Client{Timeout: gatewayTimeout}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body io.Reader
		if r.Body != nil {
			body = r.Body
			defer r.Body.Close()
		}

		proxyReq, err := http.NewRequestWithContext(r.Context(), r.Method, gatewayURL+r.URL.Path, body)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to build proxy request")
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "" {
			proxyReq.Header.Set("Content-Type", ct)
		}
		if auth := r.Header.Get("Authorization"); auth != "" {
			proxyReq.Header.Set("Authorization", auth)
		}

		resp, err := client.Do(proxyReq)
		if err != nil {
			log.Printf("auth: gateway unreachable: %v", err)
			writeJSONError(w, http.StatusBadGateway, "auth gateway unreachable")
			return
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to read gateway response")
			return
		}

		if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(respBody)
	})
}

// writeJSONError writes a {"error": msg} body with the given status —
// the harness package's own copy since it runs as a library (cmd/harness
// is the only main), not the teacher's single main.go.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
