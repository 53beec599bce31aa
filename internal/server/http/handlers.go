package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/inkwell/book-generation-service/internal/domain"
	"github.com/inkwell/book-generation-service/internal/observability"
	"github.com/inkwell/book-generation-service/internal/repository"
	"github.com/inkwell/book-generation-service/internal/workflow"
)

const (
	defaultLogLimit    = 100
	maxLogLimit        = 1000
	maxRequestBodySize = 1 << 20
)

// Error codes carried in the error body.
const (
	codeInvalidArgument    = "invalid_argument"
	codeNotFound           = "not_found"
	codeInvalidTransition  = "invalid_transition"
	codeAlreadyExists      = "already_exists"
	codeLocked             = "locked"
	codeMissingDependency  = "missing_dependency"
	codeContractViolation  = "contract_violation"
	codeRateLimited        = "rate_limited"
	codeUpstreamFailure    = "upstream_failure"
	codeServiceUnavailable = "service_unavailable"
	codeInternal           = "internal"
)

type createBookRequest struct {
	Title              string `json:"title" validate:"required,max=500"`
	Requirements       string `json:"requirements" validate:"max=20000"`
	TargetChapterCount int    `json:"target_chapter_count" validate:"required,min=1,max=100"`
}

type feedbackRequest struct {
	Feedback string `json:"feedback" validate:"max=20000"`
}

type decisionRequest struct {
	Approved *bool  `json:"approved" validate:"required"`
	Feedback string `json:"feedback" validate:"max=20000"`
	Rating   *int   `json:"rating" validate:"omitempty,min=0,max=10"`
}

func (d decisionRequest) toDecision() workflow.Decision {
	return workflow.Decision{Approved: *d.Approved, Feedback: d.Feedback, Rating: d.Rating}
}

type compileRequest struct {
	Rating *int `json:"rating" validate:"omitempty,min=0,max=10"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeBody reads and validates a JSON body. An empty body is accepted when
// optional is set, leaving dst at its zero value.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, optional bool) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidArgument, "failed to read request body")
		return false
	}
	if len(body) > maxRequestBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, codeInvalidArgument, "request body too large")
		return false
	}

	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, dst); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidArgument, "invalid JSON request body")
			return false
		}
	} else if !optional {
		writeError(w, http.StatusBadRequest, codeInvalidArgument, "request body is required")
		return false
	}

	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidArgument, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// createBook handles POST /v1/books.
func (s *Server) createBook(w http.ResponseWriter, r *http.Request) {
	var req createBookRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}

	progress, err := s.books.CreateBook(r.Context(), workflow.CreateBookInput{
		Title:              strings.TrimSpace(req.Title),
		Requirements:       req.Requirements,
		TargetChapterCount: req.TargetChapterCount,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, progressToResponse(progress))
}

// listBooks handles GET /v1/books.
func (s *Server) listBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.BookFilter{}

	var ok bool
	if filter.Limit, ok = queryInt(w, q.Get("limit"), "limit"); !ok {
		return
	}
	if filter.Offset, ok = queryInt(w, q.Get("offset"), "offset"); !ok {
		return
	}
	for _, raw := range q["state"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				filter.States = append(filter.States, domain.BookState(st))
			}
		}
	}

	books, total, err := s.books.ListBooks(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := listBooksResponse{Books: make([]bookResponse, 0, len(books)), TotalCount: total}
	for _, b := range books {
		resp.Books = append(resp.Books, bookToResponse(b))
	}
	writeJSON(w, http.StatusOK, resp)
}

// getBook handles GET /v1/books/{bookID}.
func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	progress, err := s.books.Status(r.Context(), bookIDFromContext(r.Context()))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progressToResponse(progress))
}

// listLogs handles GET /v1/books/{bookID}/logs.
func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r.URL.Query().Get("limit"), "limit")
	if !ok {
		return
	}
	if limit == 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}

	logs, err := s.books.Logs(r.Context(), bookIDFromContext(r.Context()), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := listLogsResponse{Logs: make([]logResponse, 0, len(logs))}
	for _, l := range logs {
		resp.Logs = append(resp.Logs, logToResponse(l))
	}
	writeJSON(w, http.StatusOK, resp)
}

// generateOutline handles POST /v1/books/{bookID}/outline/generate.
func (s *Server) generateOutline(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}
	progress, err := s.books.RequestOutlineGeneration(r.Context(), bookIDFromContext(r.Context()), req.Feedback)
	s.respondProgress(w, r, progress, err)
}

// decideOutline handles POST /v1/books/{bookID}/outline/decision.
func (s *Server) decideOutline(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	progress, err := s.books.DecideOutline(r.Context(), bookIDFromContext(r.Context()), req.toDecision())
	s.respondProgress(w, r, progress, err)
}

// getChapter handles GET /v1/books/{bookID}/chapters/{n}.
func (s *Server) getChapter(w http.ResponseWriter, r *http.Request) {
	n, ok := chapterNumber(w, r)
	if !ok {
		return
	}
	chapter, err := s.books.GetChapter(r.Context(), bookIDFromContext(r.Context()), n)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chapterToResponse(chapter, true))
}

// decideChapter handles POST /v1/books/{bookID}/chapters/{n}/decision.
func (s *Server) decideChapter(w http.ResponseWriter, r *http.Request) {
	n, ok := chapterNumber(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if !s.decodeBody(w, r, &req, false) {
		return
	}
	progress, err := s.books.DecideChapter(r.Context(), bookIDFromContext(r.Context()), n, req.toDecision())
	s.respondProgress(w, r, progress, err)
}

// regenerateChapter handles POST /v1/books/{bookID}/chapters/{n}/regenerate.
func (s *Server) regenerateChapter(w http.ResponseWriter, r *http.Request) {
	n, ok := chapterNumber(w, r)
	if !ok {
		return
	}
	var req feedbackRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}
	progress, err := s.books.RegenerateChapter(r.Context(), bookIDFromContext(r.Context()), n, req.Feedback)
	s.respondProgress(w, r, progress, err)
}

// compile handles POST /v1/books/{bookID}/compile.
func (s *Server) compile(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if !s.decodeBody(w, r, &req, true) {
		return
	}
	progress, err := s.books.Compile(r.Context(), bookIDFromContext(r.Context()), req.Rating)
	s.respondProgress(w, r, progress, err)
}

func (s *Server) respondProgress(w http.ResponseWriter, r *http.Request, progress *domain.BookProgress, err error) {
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progressToResponse(progress))
}

// writeDomainError maps workflow errors to HTTP status codes. Messages of
// caller-facing errors are passed through; anything unclassified is logged
// and reported without detail.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	var rl *domain.RateLimitedError

	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, codeInvalidArgument, ve.Error())
		} else {
			writeError(w, http.StatusBadRequest, codeInvalidArgument, "invalid input")
		}
	case errors.Is(err, domain.ErrNotFound):
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, codeNotFound, nf.Error())
		} else {
			writeError(w, http.StatusNotFound, codeNotFound, "resource not found")
		}
	case errors.Is(err, domain.ErrLocked):
		writeError(w, http.StatusConflict, codeLocked, domain.ErrLocked.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		var it *domain.InvalidTransitionError
		if errors.As(err, &it) {
			writeError(w, http.StatusConflict, codeInvalidTransition, it.Error())
		} else {
			writeError(w, http.StatusConflict, codeInvalidTransition, "invalid transition")
		}
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, codeAlreadyExists, "resource already exists")
	case errors.Is(err, domain.ErrMissingDependency):
		var md *domain.MissingDependencyError
		if errors.As(err, &md) {
			writeError(w, http.StatusPreconditionFailed, codeMissingDependency, md.Error())
		} else {
			writeError(w, http.StatusPreconditionFailed, codeMissingDependency, "missing dependency")
		}
	case errors.Is(err, domain.ErrContractViolation):
		var cv *domain.GenerationContractViolationError
		if errors.As(err, &cv) {
			writeError(w, http.StatusUnprocessableEntity, codeContractViolation, cv.Error())
		} else {
			writeError(w, http.StatusUnprocessableEntity, codeContractViolation, "generation contract violation")
		}
	case errors.Is(err, domain.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, codeServiceUnavailable, "service unavailable")
	// Exhausted retries arrive as Fatal even when the last attempt was rate limited.
	case errors.Is(err, domain.ErrFatal), errors.Is(err, domain.ErrTransient), errors.Is(err, domain.ErrWorkflowFailed):
		s.logError(r, err)
		writeError(w, http.StatusBadGateway, codeUpstreamFailure, "upstream generation or export failed")
	case errors.As(err, &rl):
		if rl.RetryAfter > 0 {
			secs := int((rl.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "generation provider rate limited the request")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "generation provider rate limited the request")
	default:
		s.logError(r, err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}

func (s *Server) logError(r *http.Request, err error) {
	logger := observability.LoggerFromContext(r.Context(), s.logger)
	logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
}

// chapterNumber parses {n}, writing a 400 response when it is not a positive integer.
func chapterNumber(w http.ResponseWriter, r *http.Request) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, codeInvalidArgument, "chapter number must be a positive integer")
		return 0, false
	}
	return n, true
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		writeError(w, http.StatusBadRequest, codeInvalidArgument, name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}
