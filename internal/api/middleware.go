package api

import (
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loa-labs/loa-finn/internal/auth"
	"github.com/loa-labs/loa-finn/internal/core"
)

var accessLog = log.New(os.Stdout, "[HTTPServer] ", log.LstdFlags)

// statusRecorder captures the final status for the access log and the
// admission counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// requestIDMiddleware honors an inbound X-Request-Id, mints one otherwise,
// and echoes it back. The id doubles as the billing idempotency key.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(core.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		accessLog.Printf("%s %s %d %s %s",
			r.Method, r.URL.Path, rec.status,
			time.Since(start).Round(time.Millisecond), clientIP(r))
		s.metrics.AdmissionOutcomes.WithLabelValues(strconv.Itoa(rec.status)).Inc()
	})
}

// clientIP prefers the first X-Forwarded-For hop; the gateway sits behind a
// terminating proxy in every deployment.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireJWT validates the bearer token for the route's endpoint class and
// attaches the tenant context.
func (s *Server) requireJWT(class auth.EndpointClass, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, core.E(core.KindJWTStructural, "missing bearer token"), nil)
			return
		}
		tc, err := s.validator.Validate(r.Context(), raw, class)
		if err != nil {
			writeError(w, err, nil)
			return
		}
		next(w, r.WithContext(auth.WithTenant(r.Context(), tc)))
	}
}

// requireScope layers a scope check over requireJWT.
func (s *Server) requireScope(class auth.EndpointClass, scope string, next http.HandlerFunc) http.HandlerFunc {
	return s.requireJWT(class, func(w http.ResponseWriter, r *http.Request) {
		tc, _ := auth.TenantFromContext(r.Context())
		if tc == nil || !tc.HasScope(scope) {
			writeError(w, core.Ef(core.KindScopeMissing, "scope %q required", scope), nil)
			return
		}
		next(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// apiKeyFrom pulls a dk_ key out of the Authorization header without
// disturbing JWT bearers.
func apiKeyFrom(r *http.Request) (string, bool) {
	tok := bearerToken(r)
	if strings.HasPrefix(tok, "dk_") {
		return tok, true
	}
	return "", false
}
