package custodylinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Custodyline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type Milestone struct {
	ID          string  `json:"id,omitempty"`
	Title       string  `json:"title"`
	Amount      string  `json:"amount"`
	Status      string  `json:"status,omitempty"`
	Position    int     `json:"position,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// FundContractInput mirrors POST /contracts. Amounts are decimal strings.
type FundContractInput struct {
	ID             string      `json:"id,omitempty"`
	ProjectID      string      `json:"project_id"`
	ClientID       string      `json:"client_id"`
	DeveloperID    string      `json:"developer_id"`
	Title          string      `json:"title,omitempty"`
	TotalAmount    string      `json:"total_amount"`
	PaymentMethod  string      `json:"payment_method"`
	ProviderRef    string      `json:"provider_ref,omitempty"`
	InscriptionRef string      `json:"inscription_ref,omitempty"`
	Milestones     []Milestone `json:"milestones"`
}

type Contract struct {
	ID             string      `json:"id"`
	ProjectID      string      `json:"project_id"`
	ClientID       string      `json:"client_id"`
	DeveloperID    string      `json:"developer_id"`
	Title          string      `json:"title"`
	ContractStatus string      `json:"contract_status"`
	EscrowStatus   string      `json:"escrow_status"`
	TotalAmount    string      `json:"total_amount"`
	PaymentMethod  string      `json:"payment_method"`
	ProviderRef    string      `json:"provider_ref"`
	CreatedAt      string      `json:"created_at"`
	UpdatedAt      string      `json:"updated_at"`
	TerminatedAt   *string     `json:"terminated_at"`
	Milestones     []Milestone `json:"milestones"`
}

type Termination struct {
	ID                  string `json:"id"`
	ContractID          string `json:"contract_id"`
	TerminationType     string `json:"termination_type"`
	Reason              string `json:"reason"`
	EscrowAction        string `json:"escrow_action"`
	RefundedAmountUSD   string `json:"refunded_amount_usd"`
	ReleasedAmountUSD   string `json:"released_amount_usd"`
	EligibleForRetender bool   `json:"eligible_for_retender"`
	InitiatedBy         string `json:"initiated_by"`
	CreatedAt           string `json:"created_at"`
}

type TerminationResult struct {
	Termination         Termination `json:"termination"`
	EscrowAction        string      `json:"escrow_action"`
	CompletedAmount     string      `json:"completed_amount"`
	RefundedAmount      string      `json:"refunded_amount"`
	EligibleForRetender bool        `json:"eligible_for_retender"`
	RefundStatus        string      `json:"refund_status"`
	ReconciliationID    string      `json:"reconciliation_id"`
}

type Obligation struct {
	Description string  `json:"description,omitempty"`
	Met         bool    `json:"met,omitempty"`
	MetAt       *string `json:"met_at,omitempty"`
	Evidence    string  `json:"evidence,omitempty"`
}

type Token struct {
	ID              string  `json:"id,omitempty"`
	DomainName      string  `json:"domain_name"`
	TokenSymbol     string  `json:"token_symbol"`
	InvestorTokens  string  `json:"investor_tokens"`
	TokenStatus     string  `json:"token_status,omitempty"`
	ForfeitedAt     *string `json:"forfeited_at,omitempty"`
	ForfeitedReason string  `json:"forfeited_reason,omitempty"`
}

// CreateAgreementInput mirrors POST /agreements. Obligations are keyed by
// option_a through option_d; leaving them empty selects the full catalog.
type CreateAgreementInput struct {
	ID                      string                `json:"id,omitempty"`
	InvestorID              string                `json:"investor_id"`
	Properties              []string              `json:"properties,omitempty"`
	Obligations             map[string]Obligation `json:"performance_obligations,omitempty"`
	PerformanceDeadline     string                `json:"performance_deadline"`
	InitialEquityPercentage string                `json:"initial_equity_percentage"`
	InscriptionRef          string                `json:"inscription_ref,omitempty"`
	Tokens                  []Token               `json:"domain_exit_tokens,omitempty"`
}

type Agreement struct {
	ID                      string                `json:"id"`
	InvestorID              string                `json:"investor_id"`
	FounderID               string                `json:"founder_id"`
	Properties              []string              `json:"properties"`
	PerformanceObligations  map[string]Obligation `json:"performance_obligations"`
	PerformanceDeadline     string                `json:"performance_deadline"`
	PerformanceStatus       string                `json:"performance_status"`
	ClawbackStatus          string                `json:"clawback_status"`
	ClawbackTriggeredAt     *string               `json:"clawback_triggered_at"`
	ClawbackReason          string                `json:"clawback_reason"`
	InitialEquityPercentage string                `json:"initial_equity_percentage"`
	CurrentEquityPercentage string                `json:"current_equity_percentage"`
	Tokens                  []Token               `json:"domain_exit_tokens"`
}

type ClawbackStatus struct {
	AgreementID             string   `json:"agreement_id"`
	ClawbackStatus          string   `json:"clawback_status"`
	PerformanceStatus       string   `json:"performance_status"`
	PerformanceDeadline     string   `json:"performance_deadline"`
	DaysUntilDeadline       int      `json:"days_until_deadline"`
	ObligationsMet          []string `json:"obligations_met"`
	CanExecuteClawback      bool     `json:"can_execute_clawback"`
	BlockedCode             string   `json:"blocked_code"`
	BlockedReason           string   `json:"blocked_reason"`
	ClawbackTriggeredAt     *string  `json:"clawback_triggered_at"`
	CurrentEquityPercentage string   `json:"current_equity_percentage"`
}

type ClawbackResult struct {
	Agreement             Agreement `json:"agreement"`
	ForfeitedTokens       int64     `json:"forfeited_tokens"`
	PriorEquityPercentage string    `json:"prior_equity_percentage"`
	TriggeredAt           string    `json:"triggered_at"`
}

// PerformanceLog represents an audit entry.
type PerformanceLog struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	SubjectKind string         `json:"subject_kind"`
	SubjectID   string         `json:"subject_id"`
	LogType     string         `json:"log_type"`
	Description string         `json:"description"`
	ActorID     string         `json:"actor_id"`
	Metadata    map[string]any `json:"metadata"`
}

// PaginatedLogs wraps log listings with a cursor for the next (older) page.
type PaginatedLogs struct {
	Items      []PerformanceLog `json:"items"`
	NextCursor string           `json:"next_cursor"`
}

type LogQuery struct {
	SubjectKind string
	SubjectID   string
	LogType     string
	Limit       int
	Cursor      string
}

type ReconciliationItem struct {
	ID            string `json:"id"`
	ContractID    string `json:"contract_id"`
	TerminationID string `json:"termination_id"`
	Route         string `json:"route"`
	PaymentMethod string `json:"payment_method"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error"`
}

type Pool struct {
	ProjectID        string `json:"project_id"`
	AvailableBalance string `json:"available_balance"`
	EscrowedBalance  string `json:"escrowed_balance"`
	UpdatedAt        string `json:"updated_at"`
}

// APIError wraps non-2xx responses. Code carries the error envelope code
// (for example "already_waived") when the body could be decoded.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// FundContract records a funded contract.
func (c *Client) FundContract(ctx context.Context, in FundContractInput) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodPost, "contracts", in, &resp)
	return resp, err
}

// GetContract fetches a contract with its milestones.
func (c *Client) GetContract(ctx context.Context, id string) (Contract, error) {
	var resp Contract
	err := c.do(ctx, http.MethodGet, "contracts/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CompleteMilestone marks a milestone completed.
func (c *Client) CompleteMilestone(ctx context.Context, contractID, milestoneID string) (Contract, error) {
	var resp Contract
	endpoint := fmt.Sprintf("contracts/%s/milestones/%s/complete", url.PathEscape(contractID), url.PathEscape(milestoneID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// TerminateContract ends an active contract.
func (c *Client) TerminateContract(ctx context.Context, contractID, terminationType, reason string, refundToPool bool) (TerminationResult, error) {
	body := map[string]any{
		"termination_type": terminationType,
		"reason":           reason,
		"refund_to_pool":   refundToPool,
	}
	var resp TerminationResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("contracts/%s/terminate", url.PathEscape(contractID)), body, &resp)
	return resp, err
}

// GetTermination fetches the termination record of a contract.
func (c *Client) GetTermination(ctx context.Context, contractID string) (Termination, error) {
	var resp Termination
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("contracts/%s/termination", url.PathEscape(contractID)), nil, &resp)
	return resp, err
}

// CreateAgreement records an investor agreement as its founder.
func (c *Client) CreateAgreement(ctx context.Context, in CreateAgreementInput) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodPost, "agreements", in, &resp)
	return resp, err
}

func (c *Client) GetAgreement(ctx context.Context, id string) (Agreement, error) {
	var resp Agreement
	err := c.do(ctx, http.MethodGet, "agreements/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ClawbackStatus reads whether a clawback could run now.
func (c *Client) ClawbackStatus(ctx context.Context, agreementID string) (ClawbackStatus, error) {
	var resp ClawbackStatus
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("agreements/%s/clawback", url.PathEscape(agreementID)), nil, &resp)
	return resp, err
}

// TriggerClawback executes the clawback provision.
func (c *Client) TriggerClawback(ctx context.Context, agreementID, reason string) (ClawbackResult, error) {
	var resp ClawbackResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("agreements/%s/clawback", url.PathEscape(agreementID)), map[string]string{"reason": reason}, &resp)
	return resp, err
}

// MarkObligationMet records a met obligation, which waives the clawback.
func (c *Client) MarkObligationMet(ctx context.Context, agreementID, kind, evidence string) (Agreement, error) {
	var resp Agreement
	endpoint := fmt.Sprintf("agreements/%s/obligations/%s/met", url.PathEscape(agreementID), url.PathEscape(kind))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"evidence": evidence}, &resp)
	return resp, err
}

// Logs returns a page of performance log entries, newest first.
func (c *Client) Logs(ctx context.Context, q LogQuery) (PaginatedLogs, error) {
	v := url.Values{}
	if q.SubjectKind != "" {
		v.Set("subject_kind", q.SubjectKind)
	}
	if q.SubjectID != "" {
		v.Set("subject_id", q.SubjectID)
	}
	if q.LogType != "" {
		v.Set("log_type", q.LogType)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	endpoint := "logs"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp PaginatedLogs
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Reconciliation lists escrow movements, optionally filtered by status.
func (c *Client) Reconciliation(ctx context.Context, status string) ([]ReconciliationItem, error) {
	endpoint := "reconciliation"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []ReconciliationItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// RetryReconciliation re-runs an unsettled escrow movement.
func (c *Client) RetryReconciliation(ctx context.Context, itemID string) (ReconciliationItem, error) {
	var resp ReconciliationItem
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("reconciliation/%s/retry", url.PathEscape(itemID)), nil, &resp)
	return resp, err
}

func (c *Client) GetPool(ctx context.Context, projectID string) (Pool, error) {
	var resp Pool
	err := c.do(ctx, http.MethodGet, "pools/"+url.PathEscape(projectID), nil, &resp)
	return resp, err
}

// Deposit credits a project pool.
func (c *Client) Deposit(ctx context.Context, projectID, amount string) (Pool, error) {
	var resp Pool
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("pools/%s/deposits", url.PathEscape(projectID)), map[string]string{"amount": amount}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
