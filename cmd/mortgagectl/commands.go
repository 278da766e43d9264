package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/civil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yourorg/mortgage-refi-engine/internal/config"
	"github.com/yourorg/mortgage-refi-engine/internal/estimator"
	"github.com/yourorg/mortgage-refi-engine/internal/model"
	"github.com/yourorg/mortgage-refi-engine/internal/pricing"
	"github.com/yourorg/mortgage-refi-engine/internal/ratehistory"
	"github.com/yourorg/mortgage-refi-engine/internal/reconstruct"
	"github.com/yourorg/mortgage-refi-engine/internal/refinance"
	"github.com/yourorg/mortgage-refi-engine/internal/security"
	"github.com/yourorg/mortgage-refi-engine/internal/store"
)

// engineOptions are the persistent flags shared by every engine command
type engineOptions struct {
	ratesFile   string
	rateIndex   string
	rulesFile   string
	costPercent float64
	costFlat    float64
	logLevel    string
	pretty      bool
	today       func() civil.Date
}

func newRootCmd() *cobra.Command {
	defaults := config.Load()
	opts := &engineOptions{
		today: func() civil.Date { return civil.DateOf(time.Now().UTC()) },
	}

	cmd := &cobra.Command{
		Use:           "mortgagectl",
		Short:         "Quote rates, reconstruct mortgages and evaluate refinances",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			level, err := logrus.ParseLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
			logrus.SetLevel(level)
			logrus.SetOutput(os.Stderr)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ratesFile, "rates-file", defaults.RateHistoryFile, "JSON rate history used to infer historical rates")
	flags.StringVar(&opts.rateIndex, "rate-index", defaults.RateIndex, "Rate index read from the rate history")
	flags.StringVar(&opts.rulesFile, "rules-file", defaults.RateRulesFile, "YAML rate adjustment table replacing the built-in one")
	flags.Float64Var(&opts.costPercent, "closing-cost-percent", defaults.ClosingCosts.Percent, "Closing costs as a percentage of the principal")
	flags.Float64Var(&opts.costFlat, "closing-cost-flat", defaults.ClosingCosts.Flat, "Flat closing costs added to the percentage")
	flags.StringVar(&opts.logLevel, "log-level", "error", "Log level written to stderr")
	flags.BoolVar(&opts.pretty, "pretty", true, "Pretty-print JSON output")

	cmd.AddCommand(
		quoteCommand(opts),
		reconstructCommand(opts),
		refinanceCommand(opts),
		verifyCommand(opts),
		ratesCommand(opts, defaults),
	)
	return cmd
}

func (o *engineOptions) costs() model.ClosingCostPolicy {
	return model.ClosingCostPolicy{Percent: o.costPercent, Flat: o.costFlat}
}

// engine builds an engine over the optional rate history file
func (o *engineOptions) engine() (*estimator.Engine, error) {
	var lookup ratehistory.Lookup
	if o.ratesFile != "" {
		memory, err := store.LoadFile(o.ratesFile)
		if err != nil {
			return nil, err
		}
		lookup = memory
	}

	resolver := ratehistory.NewStoreResolver(lookup, o.rateIndex, ratehistory.NewResolver(ratehistory.DefaultHeuristics()))
	engine := estimator.New(resolver, o.costs())

	if o.rulesFile != "" {
		rules, err := pricing.LoadRules(o.rulesFile)
		if err != nil {
			return nil, err
		}
		engine.WithRules(rules)
	}
	return engine, nil
}

func (o *engineOptions) write(w io.Writer, v any) error {
	var (
		out []byte
		err error
	)
	if o.pretty {
		out, err = json.MarshalIndent(v, "", "  ")
	} else {
		out, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	_, err = w.Write(append(out, '\n'))
	return err
}

func readRequest(path string, out any) error {
	if path == "" {
		return fmt.Errorf("--request-file is required")
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read request file: %w", err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("parse request JSON: %w", err)
	}
	return nil
}

type quoteRequest struct {
	BaseRate float64            `json:"base_rate"`
	Scenario model.LoanScenario `json:"scenario"`
}

func quoteCommand(opts *engineOptions) *cobra.Command {
	var requestFile string

	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Quote an adjusted rate for a loan scenario",
		Long: `Quote an adjusted rate with itemized adjustments, payment, total interest and APR.

The request file must be JSON with:
- base_rate (percent)
- scenario (loan_amount, property_value, loan_type, property_type, occupancy,
  credit_score, loan_term_years, is_arm, current_rate)`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req quoteRequest
			if err := readRequest(requestFile, &req); err != nil {
				return err
			}

			engine, err := opts.engine()
			if err != nil {
				return err
			}

			estimate, err := engine.EstimateRate(req.BaseRate, req.Scenario)
			if err != nil {
				return err
			}
			return opts.write(cmd.OutOrStdout(), estimate)
		},
	}

	cmd.Flags().StringVar(&requestFile, "request-file", "", "Path to JSON request payload")
	return cmd
}

type reconstructRequest struct {
	LoanAmount float64 `json:"loan_amount,omitempty"`
	reconstruct.SaleInput
}

func reconstructCommand(opts *engineOptions) *cobra.Command {
	var requestFile string

	cmd := &cobra.Command{
		Use:   "reconstruct",
		Short: "Reconstruct a historical mortgage and project it to today",
		Long: `Reconstruct the loan behind a past purchase.

The request file must be JSON with:
- sale_price, sale_date (YYYY-MM-DD), current_value
- loan_amount (optional; when set it replaces the sale_price derivation)
- assumed_origination_ltv, recorded_rate, term_years (optional)
- now (optional; defaults to today)`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req reconstructRequest
			if err := readRequest(requestFile, &req); err != nil {
				return err
			}
			if !req.Now.IsValid() {
				req.Now = opts.today()
			}

			engine, err := opts.engine()
			if err != nil {
				return err
			}

			var estimate model.MortgageEstimate
			if req.LoanAmount > 0 {
				estimate, err = engine.Reconstruct(cmd.Context(), reconstruct.Input{
					LoanAmount:           req.LoanAmount,
					OriginationDate:      req.SaleDate,
					RecordedRate:         req.RecordedRate,
					CurrentPropertyValue: req.CurrentValue,
					TermYears:            req.TermYears,
					Now:                  req.Now,
				})
			} else {
				estimate, err = engine.ReconstructFromSale(cmd.Context(), req.SaleInput)
			}
			if err != nil {
				return err
			}
			return opts.write(cmd.OutOrStdout(), estimate)
		},
	}

	cmd.Flags().StringVar(&requestFile, "request-file", "", "Path to JSON request payload")
	return cmd
}

type refinanceResult struct {
	model.RefinanceSavings
	ShouldOffer bool `json:"should_offer"`
}

func refinanceCommand(opts *engineOptions) *cobra.Command {
	var (
		requestFile string
		legacyCosts bool
		minSpread   float64
	)

	cmd := &cobra.Command{
		Use:   "refinance",
		Short: "Compare the current loan with a refinance at a new rate",
		Long: `Compare monthly payments before and after a refinance and compute the break-even month.

The request file must be JSON with:
- current_balance, current_rate, new_rate, remaining_term_years
- closing_costs (optional; overrides the closing-cost policy)`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req refinance.Input
			if err := readRequest(requestFile, &req); err != nil {
				return err
			}

			var (
				savings model.RefinanceSavings
				err     error
			)
			if legacyCosts {
				savings, err = refinance.Evaluate(req)
			} else {
				savings, err = refinance.NewEvaluator(opts.costs()).Evaluate(req)
			}
			if err != nil {
				return err
			}

			return opts.write(cmd.OutOrStdout(), refinanceResult{
				RefinanceSavings: savings,
				ShouldOffer:      refinance.ShouldOffer(req.CurrentRate, req.NewRate, minSpread),
			})
		},
	}

	cmd.Flags().StringVar(&requestFile, "request-file", "", "Path to JSON request payload")
	cmd.Flags().BoolVar(&legacyCosts, "legacy-closing-costs", false, fmt.Sprintf("Assume flat closing costs of %.0f", refinance.DefaultClosingCosts))
	cmd.Flags().Float64Var(&minSpread, "min-spread", refinance.DefaultMinRateSpread, "Minimum rate drop, in points, before a refinance is offered")
	return cmd
}

func verifyCommand(opts *engineOptions) *cobra.Command {
	var (
		receiptFile string
		publicKey   string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a signed quote receipt returned by the service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var receipt security.Receipt
			if err := readRequest(receiptFile, &receipt); err != nil {
				return err
			}

			var err error
			if publicKey != "" {
				err = security.VerifyFrom(receipt, publicKey)
			} else {
				err = security.Verify(receipt)
			}
			if err != nil {
				return err
			}

			return opts.write(cmd.OutOrStdout(), map[string]any{
				"valid":      true,
				"public_key": receipt.PublicKey,
				"signed_at":  time.Unix(receipt.SignedAt, 0).UTC().Format(time.RFC3339),
			})
		},
	}

	cmd.Flags().StringVar(&receiptFile, "request-file", "", "Path to the JSON receipt")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "Expected signer public key (hex)")
	return cmd
}

// seriesWriter accepts sanitized observations for an index
type seriesWriter interface {
	Put(ctx context.Context, index string, points []model.RatePoint) error
}

func ratesCommand(opts *engineOptions, defaults config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Manage hosted rate history",
	}
	cmd.AddCommand(ratesImportCommand(opts, defaults))
	return cmd
}

func ratesImportCommand(opts *engineOptions, defaults config.Config) *cobra.Command {
	var (
		seriesFile string
		project    string
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a rate history file into Firestore",
		Long: `Load a rate history JSON file into the Firestore rate_history collection.

Implausible observations are dropped before writing. With --dry-run nothing is
written and the per-index observation counts are printed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if seriesFile == "" {
				return fmt.Errorf("--series-file is required")
			}
			memory, err := store.LoadFile(seriesFile)
			if err != nil {
				return err
			}

			var writer seriesWriter
			if !dryRun {
				firestoreStore, err := store.NewFirestoreStore(cmd.Context(), project)
				if err != nil {
					return err
				}
				defer firestoreStore.Close()
				writer = firestoreStore
			}

			counts, err := importSeries(cmd.Context(), memory, writer)
			if err != nil {
				return err
			}
			return opts.write(cmd.OutOrStdout(), map[string]any{
				"dry_run": dryRun,
				"indices": counts,
			})
		},
	}

	cmd.Flags().StringVar(&seriesFile, "series-file", "", "Path to the rate history JSON file")
	cmd.Flags().StringVar(&project, "project", defaults.FirestoreProject, "Firestore project id")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate and count without writing")
	return cmd
}

// importSeries copies every index of src to dst; a nil dst only counts
func importSeries(ctx context.Context, src *store.MemoryStore, dst seriesWriter) (map[string]int, error) {
	counts := make(map[string]int)
	for _, index := range src.Indices() {
		points := src.Series(index)
		if dst != nil {
			if err := dst.Put(ctx, index, points); err != nil {
				return counts, err
			}
		}
		counts[index] = len(points)
	}
	return counts, nil
}
