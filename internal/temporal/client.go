package temporal

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	sdktemporal "go.temporal.io/sdk/temporal"

	"github.com/inkwell/book-generation-service/internal/domain"
)

// CompileBookWorkflowName is the registered name of the compile workflow.
// It lives here so the server can start the workflow without importing the
// workflows package.
const CompileBookWorkflowName = "CompileBookWorkflow"

const (
	// DefaultCompileTimeout bounds a single compile workflow run.
	DefaultCompileTimeout = 10 * time.Minute

	// DefaultHealthCheckTimeout bounds a frontend health probe.
	DefaultHealthCheckTimeout = 5 * time.Second
)

var (
	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("compile client closed")

	// ErrFrontendUnreachable means the request never reached a healthy
	// Temporal frontend. The book stays compiling and the call can be retried.
	ErrFrontendUnreachable = errors.New("temporal frontend unreachable")

	// ErrRequestRejected means the frontend answered but refused the request
	// (unknown namespace, bad arguments, missing permission).
	ErrRequestRejected = errors.New("temporal rejected request")
)

// CallError records which compile call failed and against which run.
type CallError struct {
	Op         string
	WorkflowID string
	RunID      string
	Kind       error
	Err        error
}

func (e *CallError) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	switch {
	case e.RunID != "":
		msg += fmt.Sprintf(" [workflowID=%s, runID=%s]", e.WorkflowID, e.RunID)
	case e.WorkflowID != "":
		msg += fmt.Sprintf(" [workflowID=%s]", e.WorkflowID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CallError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// classify sorts an SDK error into ErrRequestRejected or
// ErrFrontendUnreachable. Caller cancellation passes through untouched.
func classify(op string, err error, workflowID, runID string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var (
		notFound   *serviceerror.NotFound
		namespace  *serviceerror.NamespaceNotFound
		permission *serviceerror.PermissionDenied
		invalid    *serviceerror.InvalidArgument
	)
	kind := ErrFrontendUnreachable
	if errors.As(err, &notFound) || errors.As(err, &namespace) ||
		errors.As(err, &permission) || errors.As(err, &invalid) {
		kind = ErrRequestRejected
	}
	return &CallError{Op: op, WorkflowID: workflowID, RunID: runID, Kind: kind, Err: err}
}

// TLSConfig holds optional mTLS material for the frontend connection.
// All paths point at PEM files.
type TLSConfig struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
}

func (t TLSConfig) enabled() bool {
	return t.CertFile != "" || t.CAFile != "" || t.ServerName != ""
}

func (t TLSConfig) build() (*tls.Config, error) {
	out := &tls.Config{ServerName: t.ServerName, MinVersion: tls.VersionTLS12}

	if t.CertFile != "" || t.KeyFile != "" {
		pair, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		out.Certificates = []tls.Certificate{pair}
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA bundle %s holds no certificates", t.CAFile)
		}
		out.RootCAs = pool
	}
	return out, nil
}

// ClientConfig configures the Temporal connection and compile runs.
type ClientConfig struct {
	HostPort  string
	Namespace string
	TaskQueue string

	// CompileTimeout bounds one compile workflow execution. Zero means
	// DefaultCompileTimeout.
	CompileTimeout time.Duration

	// HealthCheckTimeout zero means DefaultHealthCheckTimeout.
	HealthCheckTimeout time.Duration

	TLS TLSConfig

	// Logger receives SDK logs. Nil keeps the SDK default.
	Logger log.Logger
}

// NewClient dials the Temporal frontend.
func NewClient(cfg ClientConfig) (client.Client, error) {
	options := client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
		Logger:    cfg.Logger,
	}
	if cfg.TLS.enabled() {
		tlsCfg, err := cfg.TLS.build()
		if err != nil {
			return nil, fmt.Errorf("temporal tls: %w", err)
		}
		options.ConnectionOptions.TLS = tlsCfg
	}

	c, err := client.Dial(options)
	if err != nil {
		return nil, fmt.Errorf("dial temporal %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// CompileInput is the workflow input for CompileBookWorkflow.
type CompileInput struct {
	Manuscript domain.Manuscript
}

// CompileResult is the workflow result for CompileBookWorkflow.
type CompileResult struct {
	Artifacts []domain.Artifact
}

// CompileWorkflowID returns the workflow ID used for a book's compilation.
// A book has at most one running compile workflow.
func CompileWorkflowID(bookID uuid.UUID) string {
	return "compile-" + bookID.String()
}

// CompileClient starts compile workflows and waits for their artifacts. It
// satisfies the exporter contract of the book state machine.
type CompileClient struct {
	mu                 sync.RWMutex
	client             client.Client
	taskQueue          string
	compileTimeout     time.Duration
	healthCheckTimeout time.Duration
	closed             bool
}

// NewCompileClient creates a CompileClient from an existing Temporal client.
func NewCompileClient(c client.Client, cfg ClientConfig) *CompileClient {
	compileTimeout := cfg.CompileTimeout
	if compileTimeout <= 0 {
		compileTimeout = DefaultCompileTimeout
	}
	healthTimeout := cfg.HealthCheckTimeout
	if healthTimeout <= 0 {
		healthTimeout = DefaultHealthCheckTimeout
	}

	return &CompileClient{
		client:             c,
		taskQueue:          cfg.TaskQueue,
		compileTimeout:     compileTimeout,
		healthCheckTimeout: healthTimeout,
	}
}

// Close closes the underlying Temporal client connection.
func (c *CompileClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && !c.closed {
		c.client.Close()
		c.closed = true
	}
}

func (c *CompileClient) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Health checks the connection health to the Temporal server.
func (c *CompileClient) Health(ctx context.Context) error {
	if c.isClosed() {
		return &CallError{Op: "Health", Kind: ErrClientClosed}
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.healthCheckTimeout)
	defer cancel()

	if _, err := c.client.CheckHealth(checkCtx, &client.CheckHealthRequest{}); err != nil {
		return classify("Health", err, "", "")
	}
	return nil
}

// Export runs CompileBookWorkflow for the manuscript and blocks until it
// finishes. A run already in flight for the same book is joined rather than
// duplicated.
func (c *CompileClient) Export(ctx context.Context, m *domain.Manuscript) ([]domain.Artifact, error) {
	if m == nil {
		return nil, domain.NewValidationError("manuscript", "is required")
	}
	if c.isClosed() {
		return nil, &CallError{Op: "Export", Kind: ErrClientClosed}
	}

	workflowID := CompileWorkflowID(m.BookID)
	options := client.StartWorkflowOptions{
		ID:                       workflowID,
		TaskQueue:                c.taskQueue,
		WorkflowExecutionTimeout: c.compileTimeout,
	}

	run, err := c.client.ExecuteWorkflow(ctx, options, CompileBookWorkflowName, CompileInput{Manuscript: *m})
	if err != nil {
		err = classify("Export", err, workflowID, "")
		if errors.Is(err, ErrFrontendUnreachable) {
			return nil, fmt.Errorf("%w: %w", domain.ErrServiceUnavailable, err)
		}
		return nil, err
	}

	var result CompileResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, workflowFailure(err, workflowID, run.GetRunID())
	}
	return result.Artifacts, nil
}

// workflowFailure separates a workflow that ran and failed from a client
// side failure to reach Temporal.
func workflowFailure(err error, workflowID, runID string) error {
	var (
		appErr      *sdktemporal.ApplicationError
		timeoutErr  *sdktemporal.TimeoutError
		canceledErr *sdktemporal.CanceledError
	)
	if errors.As(err, &appErr) || errors.As(err, &timeoutErr) || errors.As(err, &canceledErr) {
		return fmt.Errorf("%w: %s [workflowID=%s, runID=%s]: %w", domain.ErrWorkflowFailed, CompileBookWorkflowName, workflowID, runID, err)
	}
	return classify("Export", err, workflowID, runID)
}

// TaskQueue returns the configured task queue name.
func (c *CompileClient) TaskQueue() string {
	return c.taskQueue
}
