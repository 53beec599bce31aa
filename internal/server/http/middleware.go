package httpserver

import (
	"cmp"
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/inkwell/book-generation-service/internal/observability"
)

type contextKey string

const ctxKeyBookID contextKey = "book_id"

// bookIDMiddleware parses {bookID} once for every book-scoped route and
// tags the context so logs and spans carry it.
func bookIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "bookID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidArgument, "book id must be a valid UUID")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyBookID, id)
		ctx = observability.WithBookID(ctx, id.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bookIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(ctxKeyBookID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// correlationIDMiddleware propagates X-Correlation-ID, falling back to the
// chi request id and then to a fresh UUID. Both ids go into the
// observability context.
func correlationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		correlationID := cmp.Or(r.Header.Get("X-Correlation-ID"), requestID)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		w.Header().Set("X-Correlation-ID", correlationID)
		ctx := observability.WithCorrelationID(r.Context(), correlationID)
		if requestID != "" {
			ctx = observability.WithRequestID(ctx, requestID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger writes one access line per request, at error level for 5xx.
// route is the matched chi pattern, so book ids do not fan out the values.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger := observability.LoggerFromContext(r.Context(), base)
			level := zerolog.InfoLevel
			if ww.Status() >= http.StatusInternalServerError {
				level = zerolog.ErrorLevel
			}
			e := logger.WithLevel(level).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start))
			if rc := chi.RouteContext(r.Context()); rc != nil {
				e = e.Str("route", rc.RoutePattern())
			}
			e.Msg("http request")
		})
	}
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
