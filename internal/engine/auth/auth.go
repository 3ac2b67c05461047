package auth

import (
	"fmt"
	"slices"

	"custodyline/internal/domain"
)

// ForbiddenError indicates the actor lacks the relationship or role an action needs.
type ForbiddenError struct {
	Permission string
	Reason     string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("permission %s required", e.Permission)
}

const (
	PermContractTerminate    = "contract.terminate"
	PermContractFund         = "contract.fund"
	PermContractRead         = "contract.read"
	PermMilestoneComplete    = "milestone.complete"
	PermAgreementCreate      = "agreement.create"
	PermAgreementRead        = "agreement.read"
	PermClawbackTrigger      = "clawback.trigger"
	PermObligationRecord     = "obligation.record"
	PermReconciliationManage = "reconciliation.manage"
	PermLogRead              = "log.read"
	PermPoolManage           = "pool.manage"
)

const DefaultAdminRole = "admin"

// Policy decides who may do what. It holds no state beyond configuration and
// never touches the ledger.
type Policy struct {
	// ClientOnlyFaultTypes restricts developer_failure and client_cancel to the client.
	ClientOnlyFaultTypes bool
	AdminRole            string
}

func (p Policy) adminRole() string {
	if p.AdminRole == "" {
		return DefaultAdminRole
	}
	return p.AdminRole
}

// IsAdmin reports whether roles include the configured admin role.
func (p Policy) IsAdmin(roles []string) bool {
	return slices.Contains(roles, p.adminRole())
}

// CanTerminate checks party membership and, for fault-assigning types, that
// the actor is the client.
func (p Policy) CanTerminate(actorID string, c domain.Contract, t domain.TerminationType) error {
	if !c.IsParty(actorID) {
		return ForbiddenError{Permission: PermContractTerminate, Reason: "only the client or developer of this contract can terminate it"}
	}
	if p.ClientOnlyFaultTypes && (t == domain.TerminationDeveloperFailure || t == domain.TerminationClientCancel) && actorID != c.ClientID {
		return ForbiddenError{Permission: PermContractTerminate, Reason: fmt.Sprintf("only the client can terminate with type %s", t)}
	}
	return nil
}

func (p Policy) CanFund(actorID string, c domain.Contract) error {
	if actorID != c.ClientID {
		return ForbiddenError{Permission: PermContractFund, Reason: "only the client can fund a contract"}
	}
	return nil
}

func (p Policy) CanReadContract(actorID string, roles []string, c domain.Contract) error {
	if c.IsParty(actorID) || p.IsAdmin(roles) {
		return nil
	}
	return ForbiddenError{Permission: PermContractRead}
}

func (p Policy) CanCompleteMilestone(actorID string, c domain.Contract) error {
	if actorID != c.ClientID {
		return ForbiddenError{Permission: PermMilestoneComplete, Reason: "only the client can complete a milestone"}
	}
	return nil
}

func (p Policy) CanCreateAgreement(actorID string, a domain.InvestorAgreement) error {
	if actorID != a.FounderID {
		return ForbiddenError{Permission: PermAgreementCreate, Reason: "agreements are created by their founder"}
	}
	return nil
}

func (p Policy) CanReadAgreement(actorID string, roles []string, a domain.InvestorAgreement) error {
	if actorID == a.FounderID || actorID == a.InvestorID || p.IsAdmin(roles) {
		return nil
	}
	return ForbiddenError{Permission: PermAgreementRead, Reason: "only the founder or investor can view this agreement"}
}

func (p Policy) CanTriggerClawback(actorID string, a domain.InvestorAgreement) error {
	if actorID != a.FounderID {
		return ForbiddenError{Permission: PermClawbackTrigger, Reason: "only the founder can trigger a clawback"}
	}
	return nil
}

func (p Policy) CanRecordObligation(actorID string, a domain.InvestorAgreement) error {
	if actorID != a.FounderID && actorID != a.InvestorID {
		return ForbiddenError{Permission: PermObligationRecord, Reason: "only the founder or investor can record obligations"}
	}
	return nil
}

func (p Policy) CanManageReconciliation(roles []string) error {
	if !p.IsAdmin(roles) {
		return ForbiddenError{Permission: PermReconciliationManage}
	}
	return nil
}

func (p Policy) CanManagePools(roles []string) error {
	if !p.IsAdmin(roles) {
		return ForbiddenError{Permission: PermPoolManage}
	}
	return nil
}

// CanReadLogs allows admins everything and parties their own subject.
func (p Policy) CanReadLogs(roles []string, isParty bool) error {
	if isParty || p.IsAdmin(roles) {
		return nil
	}
	return ForbiddenError{Permission: PermLogRead}
}
