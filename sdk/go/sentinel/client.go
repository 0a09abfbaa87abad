// Package sentinel provides a typed HTTP client for the SwapSentinel REST API.
package sentinel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Pipeline terminal statuses reported by PlanResponse.Status.
const (
	StatusNeedsOwnerSignature = "NEEDS_OWNER_SIGNATURE"
	StatusRejected            = "REJECTED"
	StatusBlockedByPolicy     = "BLOCKED_BY_POLICY"
	StatusInternalError       = "INTERNAL_ERROR"
)

// Evaluation run statuses reported by Run.Status.
const (
	RunPending   = "PENDING"
	RunRunning   = "RUNNING"
	RunSucceeded = "SUCCEEDED"
	RunFailed    = "FAILED"
)

// Client wraps the HTTP interactions with the SwapSentinel REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// PlanRequest is the payload for a planning call.
type PlanRequest struct {
	RequestID   string            `json:"request_id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	UserMessage string            `json:"user_message"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// StageEvent marks the moment a pipeline stage completed.
type StageEvent struct {
	Stage string    `json:"stage"`
	At    time.Time `json:"at"`
}

// PolicyViolation identifies a deterministic rule that fired.
type PolicyViolation struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
}

// PolicyLog records the policy gate verdict for audit purposes.
type PolicyLog struct {
	CheckedAt    time.Time         `json:"checked_at"`
	Decision     string            `json:"decision"`
	Violations   []PolicyViolation `json:"violations"`
	RulesVersion int               `json:"rules_version"`
}

// RiskReport carries the guardrail flags attached to a request.
type RiskReport struct {
	UntrustedFlags []string `json:"untrusted_flags"`
	RiskLevel      string   `json:"risk_level"`
}

// QuoteSnapshot is the immutable view of the quote a plan was built from.
// The full calldata never crosses the API; only a preview is exposed.
type QuoteSnapshot struct {
	Aggregator      string `json:"aggregator"`
	RouterAddress   string `json:"router_address"`
	BuyAmount       string `json:"buy_amount"`
	PriceImpactBps  int    `json:"price_impact_bps"`
	SlippageBps     int    `json:"slippage_bps"`
	FeeBps          int    `json:"fee_bps"`
	GasEstimate     int64  `json:"gas_estimate"`
	GasPriceWei     string `json:"gas_price_wei"`
	CalldataPreview string `json:"calldata_preview"`
	ValidTo         int64  `json:"valid_to"`
}

// UnsignedTransaction is the proposed transaction awaiting the owner's
// signature. Nonce stays nil until the owner signs.
type UnsignedTransaction struct {
	ChainID  int64  `json:"chain_id"`
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Value    string `json:"value"`
	Data     string `json:"data"`
	Gas      int64  `json:"gas"`
	GasPrice string `json:"gas_price"`
	Nonce    *int64 `json:"nonce"`
}

// TxPlan is the proposed swap plan produced by an allowed request.
type TxPlan struct {
	PlanID              string               `json:"plan_id"`
	Status              string               `json:"status"`
	Summary             string               `json:"summary"`
	QuoteSnapshot       *QuoteSnapshot       `json:"quote_snapshot,omitempty"`
	UnsignedTransaction *UnsignedTransaction `json:"unsigned_transaction"`
	PolicyLog           *PolicyLog           `json:"policy_log,omitempty"`
}

// ErrorDetail describes why a request terminated without a plan.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// PlanResponse is the pipeline outcome for one request.
type PlanResponse struct {
	RequestID string       `json:"request_id"`
	Status    string       `json:"status"`
	TxPlan    *TxPlan      `json:"tx_plan,omitempty"`
	Risk      *RiskReport  `json:"risk,omitempty"`
	Policy    *PolicyLog   `json:"policy,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
	Trace     []StageEvent `json:"trace,omitempty"`
}

// PlanRecord is the persisted audit record of one pipeline outcome.
type PlanRecord struct {
	RequestID string       `json:"request_id"`
	PlanID    string       `json:"plan_id,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Status    string       `json:"status"`
	Summary   string       `json:"summary,omitempty"`
	RiskLevel string       `json:"risk_level,omitempty"`
	Response  PlanResponse `json:"response"`
	CreatedAt int64        `json:"created_at"`
	UpdatedAt int64        `json:"updated_at"`
}

// PlanList is a page of plan records.
type PlanList struct {
	Plans []PlanRecord `json:"plans"`
	Count int          `json:"count"`
}

// ListPlansOptions filters plan record listings.
type ListPlansOptions struct {
	Limit     int
	Statuses  []string
	SessionID string
}

func (o ListPlansOptions) query() string {
	values := url.Values{}
	if o.Limit > 0 {
		values.Set("limit", strconv.Itoa(o.Limit))
	}
	if len(o.Statuses) > 0 {
		values.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.SessionID != "" {
		values.Set("session_id", o.SessionID)
	}
	return values.Encode()
}

// EvalCase is one adversarial or benign prompt for the evaluation harness.
type EvalCase struct {
	CaseID     string            `json:"case_id"`
	Category   string            `json:"category"`
	Expected   string            `json:"expected"`
	Prompt     string            `json:"prompt"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// RunSubmission requests an asynchronous evaluation run. Provide a suite
// name, inline cases, or both.
type RunSubmission struct {
	ID          string     `json:"id,omitempty"`
	Suite       string     `json:"suite,omitempty"`
	Cases       []EvalCase `json:"cases,omitempty"`
	MaxAttempts int        `json:"max_attempts,omitempty"`
}

// RunSummary carries the headline metrics of a completed run.
type RunSummary struct {
	HarnessRunID string  `json:"harness_run_id"`
	CaseCount    int     `json:"case_count"`
	ASR          float64 `json:"asr"`
	FP           float64 `json:"fp"`
	TR           float64 `json:"tr"`
}

// Run is the server-side state of an evaluation run.
type Run struct {
	ID          string      `json:"id"`
	Suite       string      `json:"suite"`
	Cases       []EvalCase  `json:"cases,omitempty"`
	Status      string      `json:"status"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	LastError   string      `json:"last_error,omitempty"`
	ErrorCode   string      `json:"error_code,omitempty"`
	Summary     *RunSummary `json:"summary,omitempty"`
	CreatedAt   int64       `json:"created_at"`
	UpdatedAt   int64       `json:"updated_at"`
}

// RunList is a page of evaluation runs.
type RunList struct {
	Runs  []Run `json:"runs"`
	Count int   `json:"count"`
}

// RunStats aggregates run counts by status.
type RunStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListRunsOptions filters run listings and statistics.
type ListRunsOptions struct {
	Limit    int
	Offset   int
	Statuses []string
	Suite    string
	Query    string
}

func (o ListRunsOptions) query() string {
	values := url.Values{}
	if o.Limit > 0 {
		values.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		values.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(o.Statuses) > 0 {
		values.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Suite != "" {
		values.Set("suite", o.Suite)
	}
	if o.Query != "" {
		values.Set("q", o.Query)
	}
	return values.Encode()
}

// Health reports service readiness and which components are wired.
type Health struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("sentinel api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("sentinel api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the SwapSentinel API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SetAPIKey stores the API key attached to subsequent calls. Leaving the key
// empty is valid when the server runs with authentication disabled.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// APIKey returns the currently stored API key.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// Plan submits a natural language swap request and returns the pipeline
// outcome. Business terminals (REJECTED, BLOCKED_BY_POLICY, INTERNAL_ERROR)
// arrive over non-2xx status codes but still carry a full PlanResponse body,
// so they are returned with a nil error and callers branch on Status. An
// APIError is returned only when the body is not a pipeline outcome, for
// example on authentication or request-shape failures.
func (c *Client) Plan(ctx context.Context, planReq PlanRequest) (*PlanResponse, error) {
	body, err := json.Marshal(planReq)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v0/agent/plan", "", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var out PlanResponse
	if len(data) > 0 && json.Unmarshal(data, &out) == nil && out.Status != "" {
		return &out, nil
	}
	return nil, c.apiError(resp.StatusCode, data)
}

// GetPlan fetches one plan record by plan identifier or request identifier.
func (c *Client) GetPlan(ctx context.Context, id string) (*PlanRecord, error) {
	var record PlanRecord
	if err := c.get(ctx, "/v0/plans/"+url.PathEscape(id), "", &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListPlans returns recent plan records, newest first.
func (c *Client) ListPlans(ctx context.Context, opts ListPlansOptions) (*PlanList, error) {
	var list PlanList
	if err := c.get(ctx, "/v0/plans", opts.query(), &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// SubmitRun enqueues an asynchronous evaluation run. The returned run is in
// PENDING state; poll GetRun or use WaitForRun to observe completion.
func (c *Client) SubmitRun(ctx context.Context, submission RunSubmission) (*Run, error) {
	var run Run
	if err := c.post(ctx, "/v0/harness/runs", submission, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun fetches an evaluation run by identifier.
func (c *Client) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := c.get(ctx, "/v0/harness/runs/"+url.PathEscape(id), "", &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns evaluation runs matching the given filters.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOptions) (*RunList, error) {
	var list RunList
	if err := c.get(ctx, "/v0/harness/runs", opts.query(), &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// RunStats returns aggregate counts for runs matching the given filters.
func (c *Client) RunStats(ctx context.Context, opts ListRunsOptions) (*RunStats, error) {
	var stats RunStats
	if err := c.get(ctx, "/v0/harness/stats", opts.query(), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// WaitForRun polls an evaluation run until it reaches a terminal status or
// the context is cancelled. The last observed run is returned alongside the
// context error on cancellation.
func (c *Client) WaitForRun(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Status == RunSucceeded || run.Status == RunFailed {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health reports service readiness. A degraded service answers 503 with the
// same payload shape, which is returned without an error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v0/health", "", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var health Health
	if len(data) > 0 && json.Unmarshal(data, &health) == nil && health.Status != "" {
		return &health, nil
	}
	return nil, c.apiError(resp.StatusCode, data)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, "", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint, query string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint, query string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if key := c.APIKey(); key != "" {
		req.Header.Set("X-API-Key", key)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return c.apiError(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// apiError decodes the {"error":{...}} envelope, falling back to a flat
// payload and finally to the raw body text.
func (c *Client) apiError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: apiErr}); err != nil {
			_ = json.Unmarshal(data, apiErr)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
