package httpserver

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell/book-generation-service/internal/observability"
)

func TestBookIDMiddleware_ParsesID(t *testing.T) {
	id := uuid.New()
	var captured uuid.UUID
	var tagged string

	r := chi.NewRouter()
	r.Route("/v1/books/{bookID}", func(r chi.Router) {
		r.Use(bookIDMiddleware)
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			captured = bookIDFromContext(r.Context())
			tagged = observability.BookIDFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		})
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/books/"+id.String()+"/", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, id, captured)
	assert.Equal(t, id.String(), tagged)
}

func TestBookIDMiddleware_RejectsBadID(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/v1/books/{bookID}", func(r chi.Router) {
		r.Use(bookIDMiddleware)
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run")
		})
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/books/not-a-uuid/", nil))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), codeInvalidArgument)
}

func TestBookIDFromContext_ReturnsNilWhenMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, uuid.Nil, bookIDFromContext(req.Context()))
}

func TestCorrelationIDMiddleware_UsesExistingHeader(t *testing.T) {
	var captured string
	handler := correlationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = observability.CorrelationIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, "corr-123", rr.Header().Get("X-Correlation-ID"))
	assert.Equal(t, "corr-123", captured)
}

func TestCorrelationIDMiddleware_FallsBackToRequestID(t *testing.T) {
	var correlationID, requestID string
	handler := middleware.RequestID(correlationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID = observability.CorrelationIDFromContext(r.Context())
		requestID = observability.RequestIDFromContext(r.Context())
	})))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotEmpty(t, requestID)
	assert.Equal(t, requestID, correlationID)
	assert.Equal(t, requestID, rr.Header().Get("X-Correlation-ID"))
}

func TestCorrelationIDMiddleware_GeneratesIfMissing(t *testing.T) {
	handler := correlationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	_, err := uuid.Parse(rr.Header().Get("X-Correlation-ID"))
	assert.NoError(t, err)
}

func TestRequestLogger_WritesAccessLine(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	handler := requestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/books", nil))

	out := buf.String()
	assert.Contains(t, out, `"method":"POST"`)
	assert.Contains(t, out, `"path":"/v1/books"`)
	assert.Contains(t, out, `"status":418`)
	assert.Contains(t, out, `"message":"http request"`)
}
