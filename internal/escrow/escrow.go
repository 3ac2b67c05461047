package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"custodyline/internal/domain"
	"custodyline/internal/gateway"
	"custodyline/internal/repo"
)

var (
	// ErrNoAllocation means a pool-funded contract has no allocation to refund.
	ErrNoAllocation = errors.New("no escrow allocation for contract")
	// ErrAmountMismatch means the allocation no longer holds the amount the
	// ledger decided to refund.
	ErrAmountMismatch = errors.New("allocation amount does not match refund")
)

type RefundRequest struct {
	// IdempotencyKey identifies the fund movement across retries.
	IdempotencyKey string
	ContractID     string
	Route          domain.EscrowAction
	PaymentMethod  domain.PaymentMethod
	Amount         decimal.Decimal
	ProviderRef    string
	Reason         string
}

type Receipt struct {
	Reference string
	Amount    decimal.Decimal
	// Replayed is set when the movement had already happened before this call.
	Replayed bool
}

// Custodian moves escrowed funds back to where they came from.
type Custodian interface {
	Refund(ctx context.Context, req RefundRequest) (Receipt, error)
}

type PoolLedger interface {
	GetAllocationByContract(ctx context.Context, tx *sql.Tx, contractID string) (domain.EscrowAllocation, error)
	RefundAllocationToPool(ctx context.Context, allocationID, now string) (domain.EscrowAllocation, error)
}

// Pool returns funds held against a project's shared pool.
type Pool struct {
	Ledger PoolLedger
	Now    func() time.Time
}

func (p Pool) Refund(ctx context.Context, req RefundRequest) (Receipt, error) {
	alloc, err := p.Ledger.GetAllocationByContract(ctx, nil, req.ContractID)
	if errors.Is(err, repo.ErrNotFound) {
		return Receipt{}, fmt.Errorf("%w %s", ErrNoAllocation, req.ContractID)
	}
	if err != nil {
		return Receipt{}, err
	}
	if alloc.Status == domain.AllocationActive && !req.Amount.IsZero() && !alloc.Amount.Equal(req.Amount) {
		return Receipt{}, fmt.Errorf("%w: allocation %s holds %s, refund is %s", ErrAmountMismatch, alloc.ID, alloc.Amount.StringFixed(2), req.Amount.StringFixed(2))
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	refunded, err := p.Ledger.RefundAllocationToPool(ctx, alloc.ID, now().UTC().Format(time.RFC3339))
	if errors.Is(err, repo.ErrAlreadyRefunded) {
		return Receipt{Reference: alloc.ID, Amount: alloc.Amount, Replayed: true}, nil
	}
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Reference: refunded.ID, Amount: refunded.Amount}, nil
}

type Refunder interface {
	Refund(ctx context.Context, req gateway.RefundRequest) (gateway.RefundResponse, error)
}

// Gateway returns funds held by an external payment processor.
type Gateway struct {
	Client Refunder
}

func (g Gateway) Refund(ctx context.Context, req RefundRequest) (Receipt, error) {
	if g.Client == nil {
		return Receipt{}, fmt.Errorf("no gateway client configured for %s", req.PaymentMethod)
	}
	res, err := g.Client.Refund(ctx, gateway.RefundRequest{
		ProviderRef:    req.ProviderRef,
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Reference: res.ID, Amount: req.Amount}, nil
}

// Router picks the custodian holding the contract's funds. Funds sit where
// the contract was paid, so the payment method decides; the route only has
// to be one that moves money.
type Router struct {
	Pool     Custodian
	Gateways map[domain.PaymentMethod]Custodian
}

func (r Router) Refund(ctx context.Context, req RefundRequest) (Receipt, error) {
	c, err := r.custodianFor(req)
	if err != nil {
		return Receipt{}, err
	}
	return c.Refund(ctx, req)
}

func (r Router) custodianFor(req RefundRequest) (Custodian, error) {
	if req.Route != domain.ActionRefundToPool && req.Route != domain.ActionRefundToClient {
		return nil, fmt.Errorf("route %s does not move funds", req.Route)
	}
	if req.PaymentMethod == domain.PaymentPool {
		if r.Pool == nil {
			return nil, errors.New("pool custodian not configured")
		}
		return r.Pool, nil
	}
	c, ok := r.Gateways[req.PaymentMethod]
	if !ok || c == nil {
		return nil, fmt.Errorf("no custodian configured for payment method %s", req.PaymentMethod)
	}
	return c, nil
}
