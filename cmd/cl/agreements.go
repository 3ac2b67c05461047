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
)

func agreementCmd() *cobra.Command {
	a := &cobra.Command{Use: "agreement", Short: "Investor agreements and clawback"}
	a.AddCommand(agreementCreateCmd())
	a.AddCommand(agreementShowCmd())
	a.AddCommand(agreementStatusCmd())
	a.AddCommand(agreementTriggerCmd())
	a.AddCommand(agreementObligationMetCmd())
	return a
}

// parseToken reads "domain:SYMBOL:amount".
func parseToken(raw string) (engine.TokenSpec, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return engine.TokenSpec{}, fmt.Errorf("token %q: want domain:SYMBOL:amount", raw)
	}
	amount, err := decimal.NewFromString(parts[2])
	if err != nil {
		return engine.TokenSpec{}, fmt.Errorf("token %q: %w", raw, err)
	}
	return engine.TokenSpec{DomainName: parts[0], TokenSymbol: parts[1], InvestorTokens: amount}, nil
}

func agreementCreateCmd() *cobra.Command {
	var req engine.CreateAgreementRequest
	var equity string
	var obligations, tokens []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record an investor agreement with an active clawback provision",
		RunE: func(cmd *cobra.Command, args []string) error {
			pct, err := decimal.NewFromString(equity)
			if err != nil {
				return fmt.Errorf("--equity: %w", err)
			}
			req.InitialEquityPercentage = pct
			if len(obligations) > 0 {
				req.Obligations = domain.Obligations{}
				for _, raw := range obligations {
					key, desc, _ := strings.Cut(raw, "=")
					kind, err := domain.ParseObligationKind(key)
					if err != nil {
						return err
					}
					req.Obligations[kind] = domain.Obligation{Description: desc}
				}
			}
			for _, raw := range tokens {
				t, err := parseToken(raw)
				if err != nil {
					return err
				}
				req.Tokens = append(req.Tokens, t)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string, _ []string) error {
				req.ActorID = actorID
				a, err := e.CreateAgreement(ctx, req)
				if err != nil {
					return err
				}
				return printAgreement(a)
			})
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "agreement id (generated when empty)")
	cmd.Flags().StringVar(&req.InvestorID, "investor", "", "investor id")
	cmd.Flags().StringSliceVar(&req.Properties, "property", nil, "property covered by the agreement (repeatable)")
	cmd.Flags().StringVar(&req.PerformanceDeadline, "deadline", "", "performance deadline (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&equity, "equity", "", "initial equity percentage")
	cmd.Flags().StringVar(&req.InscriptionRef, "inscription-ref", "", "on-chain inscription reference")
	cmd.Flags().StringArrayVar(&obligations, "obligation", nil, "obligation as kind[=description] (repeatable, default all)")
	cmd.Flags().StringArrayVar(&tokens, "token", nil, "domain exit token as domain:SYMBOL:amount (repeatable)")
	return cmd
}

func agreementShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agreement-id>",
		Short: "Show an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string, roles []string) error {
				a, err := e.GetAgreement(ctx, args[0], actorID, roles)
				if err != nil {
					return err
				}
				return printAgreement(a)
			})
		},
	}
}

func agreementStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <agreement-id>",
		Short: "Show whether the clawback can run now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string, _ []string) error {
				v, err := e.ClawbackStatus(ctx, args[0], actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				met := make([]string, 0, len(v.ObligationsMet))
				for _, k := range v.ObligationsMet {
					met = append(met, string(k))
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"Clawback", v.ClawbackStatus},
					{"Performance", v.PerformanceStatus},
					{"Deadline", v.PerformanceDeadline},
					{"Days until deadline", v.DaysUntilDeadline},
					{"Obligations met", strings.Join(met, ", ")},
					{"Can execute", v.CanExecuteClawback},
					{"Blocked", v.BlockedReason},
					{"Equity", v.CurrentEquityPercentage.String()},
				})
				tw.Render()
				return nil
			})
		},
	}
}

func agreementTriggerCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "trigger-clawback <agreement-id>",
		Short: "Execute the clawback provision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string, _ []string) error {
				res, err := e.TriggerClawback(ctx, args[0], actorID, reason)
				if err != nil {
					return err
				}
				waitNotified(ctx, res.NotificationDone)
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("clawback executed on %s at %s: equity %s%% -> %s%%, %d token(s) forfeited\n",
					res.Agreement.ID, res.TriggeredAt, res.PriorEquityPercentage.String(),
					res.Agreement.CurrentEquityPercentage.String(), res.ForfeitedTokens)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the clawback")
	return cmd
}

func agreementObligationMetCmd() *cobra.Command {
	var evidence string
	cmd := &cobra.Command{
		Use:   "obligation-met <agreement-id> <kind>",
		Short: "Record a met performance obligation (waives the clawback)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actorID string, _ []string) error {
				a, err := e.MarkObligationMet(ctx, engine.MarkObligationRequest{
					AgreementID: args[0],
					ActorID:     actorID,
					Kind:        args[1],
					Evidence:    evidence,
				})
				if err != nil {
					return err
				}
				return printAgreement(a)
			})
		},
	}
	cmd.Flags().StringVar(&evidence, "evidence", "", "evidence reference")
	return cmd
}

func printAgreement(a domain.InvestorAgreement) error {
	if viper.GetBool("json") {
		return printJSON(a)
	}
	fmt.Printf("%s  founder=%s investor=%s  deadline=%s  %s/%s  equity %s%% (initial %s%%)\n",
		a.ID, a.FounderID, a.InvestorID, a.PerformanceDeadline, a.PerformanceStatus, a.ClawbackStatus,
		a.CurrentEquityPercentage.String(), a.InitialEquityPercentage.String())
	tw := newTable()
	tw.AppendHeader(table.Row{"Obligation", "Description", "Met", "Evidence"})
	for _, kind := range []domain.ObligationKind{
		domain.ObligationCapitalRaised, domain.ObligationDevelopmentWork,
		domain.ObligationProRataMatch, domain.ObligationEquityFunded,
	} {
		ob, ok := a.PerformanceObligations[kind]
		if !ok {
			continue
		}
		tw.AppendRow(table.Row{kind, ob.Description, ob.Met, ob.Evidence})
	}
	tw.Render()
	if len(a.Tokens) > 0 {
		tt := newTable()
		tt.AppendHeader(table.Row{"Token", "Domain", "Symbol", "Amount", "Status"})
		for _, t := range a.Tokens {
			tt.AppendRow(table.Row{t.ID, t.DomainName, t.TokenSymbol, t.InvestorTokens.String(), t.TokenStatus})
		}
		tt.Render()
	}
	return nil
}
