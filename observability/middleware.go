package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/certmill/certmill/auth"
)

// RequestLogger returns chi middleware that records every served request
// in the observability database. Writes happen after the response is
// flushed and never fail the request.
func RequestLogger(l *EventLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			rec := RequestRecord{
				Method:     r.Method,
				Path:       r.URL.Path,
				StatusCode: ww.Status(),
				Duration:   time.Since(start),
				RemoteAddr: r.RemoteAddr,
				UserAgent:  r.UserAgent(),
			}
			if claims := auth.FromContext(r.Context()); claims != nil {
				rec.UserID = claims.UserID
			}
			l.LogRequest(r.Context(), rec)
		})
	}
}
