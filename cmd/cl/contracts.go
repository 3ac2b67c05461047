package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"custodyline/internal/domain"
	"custodyline/internal/engine"
	"custodyline/internal/repo"
)

func contractCmd() *cobra.Command {
	c := &cobra.Command{Use: "contract", Short: "Fund, inspect and terminate contracts"}
	c.AddCommand(contractFundCmd())
	c.AddCommand(contractListCmd())
	c.AddCommand(contractShowCmd())
	c.AddCommand(contractCompleteMilestoneCmd())
	c.AddCommand(contractTerminateCmd())
	return c
}

// parseMilestone reads "Title=Amount".
func parseMilestone(raw string) (engine.MilestoneSpec, error) {
	idx := strings.LastIndex(raw, "=")
	if idx <= 0 {
		return engine.MilestoneSpec{}, fmt.Errorf("milestone %q: want Title=Amount", raw)
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(raw[idx+1:]))
	if err != nil {
		return engine.MilestoneSpec{}, fmt.Errorf("milestone %q: %w", raw, err)
	}
	return engine.MilestoneSpec{Title: strings.TrimSpace(raw[:idx]), Amount: amount}, nil
}

func contractFundCmd() *cobra.Command {
	var req engine.FundContractRequest
	var total, method string
	var milestones []string
	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Record a funded contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(total)
			if err != nil {
				return fmt.Errorf("--total: %w", err)
			}
			req.TotalAmount = amount
			req.PaymentMethod = domain.PaymentMethod(method)
			for _, raw := range milestones {
				m, err := parseMilestone(raw)
				if err != nil {
					return err
				}
				req.Milestones = append(req.Milestones, m)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string, _ []string) error {
				req.ActorID = actorID
				c, err := e.FundContract(ctx, req)
				if err != nil {
					return err
				}
				return printContract(c)
			})
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "contract id (generated when empty)")
	cmd.Flags().StringVar(&req.ProjectID, "project", "", "project id (pool funding)")
	cmd.Flags().StringVar(&req.ClientID, "client", "", "client id (defaults to the actor)")
	cmd.Flags().StringVar(&req.DeveloperID, "developer", "", "developer id")
	cmd.Flags().StringVar(&req.Title, "title", "", "title")
	cmd.Flags().StringVar(&total, "total", "", "total amount in USD")
	cmd.Flags().StringVar(&method, "method", "pool", "payment method: pool, gateway_a, gateway_b")
	cmd.Flags().StringVar(&req.ProviderRef, "provider-ref", "", "gateway payment reference")
	cmd.Flags().StringVar(&req.InscriptionRef, "inscription-ref", "", "on-chain inscription reference")
	cmd.Flags().StringArrayVar(&milestones, "milestone", nil, "milestone as Title=Amount (repeatable)")
	return cmd
}

func contractListCmd() *cobra.Command {
	var f repo.ContractFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.ContractStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string, roles []string) error {
				items, err := e.ListContracts(ctx, actorID, roles, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Project", "Client", "Developer", "Status", "Escrow", "Total", "Method"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.ProjectID, c.ClientID, c.DeveloperID, c.ContractStatus, c.EscrowStatus, c.TotalAmount.StringFixed(2), c.PaymentMethod})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "filter by project")
	cmd.Flags().StringVar(&status, "status", "", "filter by contract status")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func contractShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <contract-id>",
		Short: "Show a contract and its milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string, roles []string) error {
				c, err := e.GetContract(ctx, args[0], actorID, roles)
				if err != nil {
					return err
				}
				return printContract(c)
			})
		},
	}
}

func contractCompleteMilestoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete-milestone <contract-id> <milestone-id>",
		Short: "Mark a milestone completed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string, _ []string) error {
				c, err := e.CompleteMilestone(ctx, args[0], args[1], actorID)
				if err != nil {
					return err
				}
				return printContract(c)
			})
		},
	}
}

func contractTerminateCmd() *cobra.Command {
	var typ, reason string
	var toPool bool
	cmd := &cobra.Command{
		Use:   "terminate <contract-id>",
		Short: "Terminate an active contract and route its escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string, _ []string) error {
				res, err := e.Terminate(ctx, engine.TerminateRequest{
					ContractID:   args[0],
					ActorID:      actorID,
					Type:         domain.TerminationType(typ),
					Reason:       reason,
					RefundToPool: toPool,
				})
				if err != nil {
					return err
				}
				waitNotified(ctx, res.NotificationDone)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"Termination", res.Termination.ID},
					{"Type", res.Termination.TerminationType},
					{"Escrow action", res.EscrowAction},
					{"Completed", res.CompletedAmount.StringFixed(2)},
					{"Refunded", res.RefundedAmount.StringFixed(2)},
					{"Eligible for retender", res.EligibleForRetender},
					{"Refund status", res.RefundStatus},
					{"Reconciliation", res.ReconciliationID},
				})
				tw.Render()
				if res.RefundStatus == engine.RefundFailed {
					fmt.Printf("refund did not settle; retry with: cl reconcile retry %s\n", res.ReconciliationID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "developer_failure, client_cancel, mutual or dispute")
	cmd.Flags().StringVar(&reason, "reason", "", "why the contract ends")
	cmd.Flags().BoolVar(&toPool, "refund-to-pool", false, "return escrow to the project pool")
	return cmd
}

func printContract(c domain.Contract) error {
	if viper.GetBool("json") {
		return printJSON(c)
	}
	fmt.Printf("%s  %s  client=%s developer=%s  %s/%s  %s via %s\n",
		c.ID, c.Title, c.ClientID, c.DeveloperID, c.ContractStatus, c.EscrowStatus, c.TotalAmount.StringFixed(2), c.PaymentMethod)
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Milestone", "Title", "Amount", "Status"})
	for _, m := range c.Milestones {
		tw.AppendRow(table.Row{m.Position, m.ID, m.Title, m.Amount.StringFixed(2), m.Status})
	}
	tw.Render()
	return nil
}

func reconcileCmd() *cobra.Command {
	r := &cobra.Command{Use: "reconcile", Short: "Escrow movements awaiting settlement"}
	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List reconciliation items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string, roles []string) error {
				items, err := e.ListReconciliation(ctx, actorID, roles, domain.ReconciliationStatus(status), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Contract", "Route", "Method", "Amount", "Status", "Attempts", "Last error"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.ContractID, it.Route, it.PaymentMethod, it.Amount.StringFixed(2), it.Status, it.Attempts, it.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "pending, settled or failed")
	list.Flags().IntVar(&limit, "limit", 50, "max items")
	r.AddCommand(list)
	r.AddCommand(&cobra.Command{
		Use:   "retry <item-id>",
		Short: "Retry an unsettled escrow movement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string, roles []string) error {
				it, err := e.Reconcile(ctx, args[0], actorID, roles)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(it)
				}
				fmt.Printf("%s %s after %d attempt(s)\n", it.ID, it.Status, it.Attempts)
				return nil
			})
		},
	})
	return r
}

func poolCmd() *cobra.Command {
	p := &cobra.Command{Use: "pool", Short: "Project pools"}
	p.AddCommand(&cobra.Command{
		Use:   "deposit <project-id> <amount>",
		Short: "Credit a project pool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string, roles []string) error {
				pool, err := e.DepositToPool(ctx, args[0], amount, actorID, roles)
				if err != nil {
					return err
				}
				return printPool(pool)
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "show <project-id>",
		Short: "Show pool balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string, _ []string) error {
				pool, err := e.GetPool(ctx, args[0], actorID)
				if err != nil {
					return err
				}
				return printPool(pool)
			})
		},
	})
	return p
}

func printPool(p domain.ProjectPool) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Project", "Available", "Escrowed", "Updated"})
	tw.AppendRow(table.Row{p.ProjectID, p.AvailableBalance.StringFixed(2), p.EscrowedBalance.StringFixed(2), p.UpdatedAt})
	tw.Render()
	return nil
}
