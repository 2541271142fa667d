// Package integration provides a reusable test harness for end-to-end
// testing of the flowd workflow server. It starts a full HTTP server with
// an in-memory store, both execution engines, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/objectql/flowcore/internal/config"
	"github.com/objectql/flowcore/internal/definition"
	"github.com/objectql/flowcore/internal/flow"
	"github.com/objectql/flowcore/internal/fsm"
	"github.com/objectql/flowcore/internal/storage"
	"github.com/objectql/flowcore/internal/task"
	"github.com/objectql/flowcore/internal/transport"
	"github.com/objectql/flowcore/internal/workflow"
)

// TestHarness encapsulates a fully wired flowd instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry   *definition.Registry
	Store      *storage.MemoryStore
	FSMEngine  *fsm.Engine
	FlowEngine *flow.Engine
	Workflows  *workflow.Service
	Tasks      *task.Service

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	handlerTimeout time.Duration
	maxNodes       int
	guards         map[string]fsm.GuardFunc
	actions        map[string]fsm.ActionFunc
	handlers       map[string]flow.HandlerFunc
	defaultDue     time.Duration
}

// WithDefinitions sets the definition directories to load. Relative paths
// are resolved from the testdata directory.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithMaxNodes bounds each flow run.
func WithMaxNodes(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.maxNodes = n
	}
}

// WithGuard registers a guard hook on the state machine engine.
func WithGuard(name string, fn fsm.GuardFunc) HarnessOption {
	return func(c *harnessConfig) {
		if c.guards == nil {
			c.guards = make(map[string]fsm.GuardFunc)
		}
		c.guards[name] = fn
	}
}

// WithAction registers an action hook on the state machine engine.
func WithAction(name string, fn fsm.ActionFunc) HarnessOption {
	return func(c *harnessConfig) {
		if c.actions == nil {
			c.actions = make(map[string]fsm.ActionFunc)
		}
		c.actions[name] = fn
	}
}

// WithNodeHandler registers a flow node handler.
func WithNodeHandler(nodeType string, fn flow.HandlerFunc) HarnessOption {
	return func(c *harnessConfig) {
		if c.handlers == nil {
			c.handlers = make(map[string]flow.HandlerFunc)
		}
		c.handlers[nodeType] = fn
	}
}

// WithDefaultDue sets the default task due offset.
func WithDefaultDue(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.defaultDue = d
	}
}

// NewTestHarness creates and starts a full flowd test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir(), "definitions")}
	}

	h := &TestHarness{t: t}

	// Step 1: Load and validate definitions.
	loader := definition.NewLoader()
	defs, err := loader.LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	validator := definition.NewValidator()
	if verrs := validator.Validate(defs); len(verrs) > 0 {
		t.Fatalf("definition validation: %v", verrs)
	}
	h.Registry = definition.NewRegistry(defs)

	// Step 2: Build store and engines.
	h.Store = storage.NewMemoryStore()

	h.FSMEngine = fsm.NewEngine()
	for name, fn := range hc.guards {
		if err := h.FSMEngine.RegisterGuard(name, fn); err != nil {
			t.Fatalf("register guard %s: %v", name, err)
		}
	}
	for name, fn := range hc.actions {
		if err := h.FSMEngine.RegisterAction(name, fn); err != nil {
			t.Fatalf("register action %s: %v", name, err)
		}
	}

	var flowOpts []flow.Option
	if hc.maxNodes > 0 {
		flowOpts = append(flowOpts, flow.WithMaxNodes(hc.maxNodes))
	}
	h.FlowEngine = flow.NewEngine(flowOpts...)
	for nodeType, fn := range hc.handlers {
		h.FlowEngine.RegisterHandler(nodeType, fn)
	}

	// Step 3: Build services.
	var taskOpts []task.Option
	if hc.defaultDue > 0 {
		taskOpts = append(taskOpts, task.WithDefaultDue(hc.defaultDue))
	}
	h.Tasks = task.NewService(h.Store, taskOpts...)
	h.Workflows = workflow.NewService(h.Registry, h.Store, h.FSMEngine, h.FlowEngine)

	// Step 4: Create JWT issuer and config.
	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	// Step 5: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Workflows:    h.Workflows,
		Tasks:        h.Tasks,
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// GenerateTokenForAudience creates a JWT with a mismatched audience.
func (h *TestHarness) GenerateTokenForAudience(claims TestClaims, audience string) string {
	return h.issuer.GenerateTokenForAudience(claims, audience)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token)
}

func (h *TestHarness) doRequest(method, path string, body any, token string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses
// the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// RequesterClaims returns TestClaims for a workflow requester.
func RequesterClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-requester",
		TenantID:  "acme-corp",
		Email:     "requester@acme.example.com",
		Roles:     []string{"requester"},
	}
}

// ApproverClaims returns TestClaims for an approver user.
func ApproverClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-approver",
		TenantID:  "acme-corp",
		Email:     "approver@acme.example.com",
		Roles:     []string{"approver"},
	}
}

// OtherTenantClaims returns TestClaims for a user in a different tenant.
func OtherTenantClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-outsider",
		TenantID:  "globex",
		Email:     "outsider@globex.example.com",
		Roles:     []string{"requester"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
