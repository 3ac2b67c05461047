package domain

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

type ContractStatus string

const (
	ContractActive     ContractStatus = "active"
	ContractCompleted  ContractStatus = "completed"
	ContractTerminated ContractStatus = "terminated"
)

type EscrowStatus string

const (
	EscrowNone     EscrowStatus = "none"
	EscrowEscrowed EscrowStatus = "escrowed"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowDisputed EscrowStatus = "disputed"
)

type PaymentMethod string

const (
	PaymentPool     PaymentMethod = "pool"
	PaymentGatewayA PaymentMethod = "gateway_a"
	PaymentGatewayB PaymentMethod = "gateway_b"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentPool, PaymentGatewayA, PaymentGatewayB:
		return true
	}
	return false
}

// UsesGateway reports whether funds sit with an external payment processor.
func (m PaymentMethod) UsesGateway() bool {
	return m == PaymentGatewayA || m == PaymentGatewayB
}

type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneSubmitted MilestoneStatus = "submitted"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestoneRejected  MilestoneStatus = "rejected"
	MilestoneCompleted MilestoneStatus = "completed"
)

type AllocationStatus string

const (
	AllocationActive   AllocationStatus = "active"
	AllocationRefunded AllocationStatus = "refunded"
)

type TerminationType string

const (
	TerminationDeveloperFailure TerminationType = "developer_failure"
	TerminationClientCancel     TerminationType = "client_cancel"
	TerminationMutual           TerminationType = "mutual"
	TerminationDispute          TerminationType = "dispute"
)

func (t TerminationType) Valid() bool {
	switch t {
	case TerminationDeveloperFailure, TerminationClientCancel, TerminationMutual, TerminationDispute:
		return true
	}
	return false
}

type EscrowAction string

const (
	ActionRefundToPool      EscrowAction = "refund_to_pool"
	ActionRefundToClient    EscrowAction = "refund_to_client"
	ActionPendingResolution EscrowAction = "pending_resolution"
)

type Contract struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	ClientID       string          `json:"client_id"`
	DeveloperID    string          `json:"developer_id"`
	Title          string          `json:"title,omitempty"`
	ContractStatus ContractStatus  `json:"contract_status"`
	EscrowStatus   EscrowStatus    `json:"escrow_status"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PaymentMethod  PaymentMethod   `json:"payment_method"`
	ProviderRef    string          `json:"provider_ref,omitempty"`
	InscriptionRef string          `json:"inscription_ref,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
	TerminatedAt   *string         `json:"terminated_at,omitempty"`
	Milestones     []Milestone     `json:"milestones,omitempty"`
}

// IsParty reports whether actorID is the client or the developer.
func (c Contract) IsParty(actorID string) bool {
	return actorID != "" && (actorID == c.ClientID || actorID == c.DeveloperID)
}

// CounterParty returns the other side of the contract for actorID.
func (c Contract) CounterParty(actorID string) string {
	if actorID == c.ClientID {
		return c.DeveloperID
	}
	return c.ClientID
}

type Milestone struct {
	ID          string          `json:"id"`
	ContractID  string          `json:"contract_id"`
	Title       string          `json:"title"`
	Amount      decimal.Decimal `json:"amount"`
	Status      MilestoneStatus `json:"status"`
	Position    int             `json:"position"`
	CompletedAt *string         `json:"completed_at,omitempty"`
}

// SumMilestones returns the total of every milestone amount.
func SumMilestones(ms []Milestone) decimal.Decimal {
	total := decimal.Zero
	for _, m := range ms {
		total = total.Add(m.Amount)
	}
	return total
}

// PartitionMilestones splits milestone amounts into completed and everything else.
func PartitionMilestones(ms []Milestone) (completed, pending decimal.Decimal) {
	completed, pending = decimal.Zero, decimal.Zero
	for _, m := range ms {
		if m.Status == MilestoneCompleted {
			completed = completed.Add(m.Amount)
		} else {
			pending = pending.Add(m.Amount)
		}
	}
	return completed, pending
}

type EscrowAllocation struct {
	ID         string           `json:"id"`
	ContractID string           `json:"contract_id"`
	ProjectID  string           `json:"project_id"`
	Amount     decimal.Decimal  `json:"amount"`
	Status     AllocationStatus `json:"status"`
	CreatedAt  string           `json:"created_at"`
	RefundedAt *string          `json:"refunded_at,omitempty"`
}

type ProjectPool struct {
	ProjectID        string          `json:"project_id"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	EscrowedBalance  decimal.Decimal `json:"escrowed_balance"`
	UpdatedAt        string          `json:"updated_at"`
}

type Termination struct {
	ID                  string          `json:"id"`
	ContractID          string          `json:"contract_id"`
	TerminationType     TerminationType `json:"termination_type"`
	Reason              string          `json:"reason"`
	EscrowAction        EscrowAction    `json:"escrow_action"`
	RefundedAmountUSD   decimal.Decimal `json:"refunded_amount_usd"`
	ReleasedAmountUSD   decimal.Decimal `json:"released_amount_usd"`
	EligibleForRetender bool            `json:"eligible_for_retender"`
	InitiatedBy         string          `json:"initiated_by"`
	CreatedAt           string          `json:"created_at"`
}

type PerformanceStatus string

const (
	PerformancePending PerformanceStatus = "pending"
	PerformanceFailed  PerformanceStatus = "failed"
	PerformanceMet     PerformanceStatus = "met"
)

type ClawbackStatus string

const (
	ClawbackActive    ClawbackStatus = "active"
	ClawbackTriggered ClawbackStatus = "triggered"
	ClawbackWaived    ClawbackStatus = "waived"
)

type TokenStatus string

const (
	TokenHeld      TokenStatus = "held"
	TokenForfeited TokenStatus = "forfeited"
)

// ObligationKind names one of the performance obligations an investor can meet.
type ObligationKind string

const (
	ObligationCapitalRaised   ObligationKind = "option_a"
	ObligationDevelopmentWork ObligationKind = "option_b"
	ObligationProRataMatch    ObligationKind = "option_c"
	ObligationEquityFunded    ObligationKind = "option_d"
)

var obligationDescriptions = map[ObligationKind]string{
	ObligationCapitalRaised:   "$10K+ capital raised",
	ObligationDevelopmentWork: "60+ hours development work",
	ObligationProRataMatch:    "pro-rata capital match",
	ObligationEquityFunded:    "equity-funded development",
}

func (k ObligationKind) Valid() bool {
	_, ok := obligationDescriptions[k]
	return ok
}

// DefaultDescription is the catalog text for the obligation kind.
func (k ObligationKind) DefaultDescription() string {
	return obligationDescriptions[k]
}

// ParseObligationKind rejects anything outside the closed catalog.
func ParseObligationKind(s string) (ObligationKind, error) {
	k := ObligationKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown obligation kind %q", s)
	}
	return k, nil
}

type Obligation struct {
	Description string  `json:"description,omitempty"`
	Met         bool    `json:"met"`
	MetAt       *string `json:"met_at,omitempty"`
	Evidence    string  `json:"evidence,omitempty"`
}

// Obligations is the typed obligation map stored on an agreement.
type Obligations map[ObligationKind]Obligation

// UnmarshalJSON refuses unknown obligation keys.
func (o *Obligations) UnmarshalJSON(data []byte) error {
	var raw map[string]Obligation
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Obligations, len(raw))
	for key, ob := range raw {
		kind, err := ParseObligationKind(key)
		if err != nil {
			return err
		}
		out[kind] = ob
	}
	*o = out
	return nil
}

// MetKinds returns the kinds marked met, sorted.
func (o Obligations) MetKinds() []ObligationKind {
	var met []ObligationKind
	for kind, ob := range o {
		if ob.Met {
			met = append(met, kind)
		}
	}
	sort.Slice(met, func(i, j int) bool { return met[i] < met[j] })
	return met
}

type InvestorAgreement struct {
	ID                      string            `json:"id"`
	InvestorID              string            `json:"investor_id"`
	FounderID               string            `json:"founder_id"`
	Properties              []string          `json:"properties"`
	PerformanceObligations  Obligations       `json:"performance_obligations"`
	PerformanceDeadline     string            `json:"performance_deadline"`
	PerformanceStatus       PerformanceStatus `json:"performance_status"`
	ClawbackStatus          ClawbackStatus    `json:"clawback_status"`
	ClawbackTriggeredAt     *string           `json:"clawback_triggered_at,omitempty"`
	ClawbackReason          string            `json:"clawback_reason,omitempty"`
	InitialEquityPercentage decimal.Decimal   `json:"initial_equity_percentage"`
	CurrentEquityPercentage decimal.Decimal   `json:"current_equity_percentage"`
	InscriptionRef          string            `json:"inscription_ref,omitempty"`
	CreatedAt               string            `json:"created_at"`
	UpdatedAt               string            `json:"updated_at"`
	Tokens                  []DomainExitToken `json:"domain_exit_tokens"`
}

type DomainExitToken struct {
	ID              string          `json:"id"`
	AgreementID     string          `json:"agreement_id"`
	DomainName      string          `json:"domain_name"`
	TokenSymbol     string          `json:"token_symbol"`
	InvestorTokens  decimal.Decimal `json:"investor_tokens"`
	TokenStatus     TokenStatus     `json:"token_status"`
	ForfeitedAt     *string         `json:"forfeited_at,omitempty"`
	ForfeitedReason string          `json:"forfeited_reason,omitempty"`
}

type PerformanceLog struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	SubjectKind string `json:"subject_kind"`
	SubjectID   string `json:"subject_id"`
	LogType     string `json:"log_type"`
	Description string `json:"description"`
	ActorID     string `json:"actor_id"`
	Metadata    string `json:"metadata_json"`
}

type ReconciliationStatus string

const (
	ReconciliationPending ReconciliationStatus = "pending"
	ReconciliationSettled ReconciliationStatus = "settled"
	ReconciliationFailed  ReconciliationStatus = "failed"
)

// ReconciliationItem tracks a fund movement decided by the ledger but executed
// by a custodian, until it settles.
type ReconciliationItem struct {
	ID            string               `json:"id"`
	ContractID    string               `json:"contract_id"`
	TerminationID string               `json:"termination_id"`
	Route         EscrowAction         `json:"route"`
	PaymentMethod PaymentMethod        `json:"payment_method"`
	Amount        decimal.Decimal      `json:"amount"`
	ProviderRef   string               `json:"provider_ref,omitempty"`
	Status        ReconciliationStatus `json:"status"`
	Attempts      int                  `json:"attempts"`
	LastError     string               `json:"last_error,omitempty"`
	CreatedAt     string               `json:"created_at"`
	UpdatedAt     string               `json:"updated_at"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
