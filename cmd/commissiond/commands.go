package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"commissionflow/commission"
	"commissionflow/config"
	"commissionflow/db"
	"commissionflow/engine"
	"commissionflow/logger"
	"commissionflow/metrics"
	"commissionflow/migrations"
	"commissionflow/outbox"
	"commissionflow/policy"
	"commissionflow/scheduler"
)

// service is the part of the engine the CLI drives.
type service interface {
	CreateCommission(ctx context.Context, conversionID string, opts ...engine.CreateOption) (commission.Commission, error)
	ConfirmCommission(ctx context.Context, id string) (commission.Commission, error)
	CancelCommission(ctx context.Context, id string, reason *string) (commission.Commission, error)
	AdjustCommission(ctx context.Context, id string, newAmount float64, reason string) (commission.Commission, error)
	MarkAsPaid(ctx context.Context, id, paymentMethod string, paymentReference *string) (commission.Commission, error)
	AutoConfirmCommissions(ctx context.Context) (int, error)
	GetCommissions(ctx context.Context, filters commission.Filters) (commission.ListResult, error)
	GetCommissionStats(ctx context.Context, partnerID string, window *commission.DateRange) (commission.Stats, error)
	GetPolicyPerformance(ctx context.Context, window commission.DateRange) ([]commission.PolicyPerformance, error)
	GetKPISummary(ctx context.Context, window commission.DateRange) (commission.KPISummary, error)
	GetPolicies(ctx context.Context, filters policy.Filters) (policy.ListResult, error)
	UpsertPolicy(ctx context.Context, params policy.UpsertParams) (policy.Policy, error)
	ExplainMatch(ctx context.Context, conversionID string) ([]policy.Evaluation, error)
}

const dateLayout = "2006-01-02"

func newRootCmd(open opener) *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "commissiond",
		Short:         "Commission policy matching and lifecycle engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")

	// withService opens the engine for the duration of a single command.
	withService := func(run func(cmd *cobra.Command, svc service, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return run(cmd, a.engine, args)
		}
	}

	root.AddCommand(
		migrateCmd(&cfgPath),
		createCmd(withService),
		confirmCmd(withService),
		cancelCmd(withService),
		adjustCmd(withService),
		payCmd(withService),
		autoConfirmCmd(withService),
		listCmd(withService),
		statsCmd(withService),
		performanceCmd(withService),
		kpiCmd(withService),
		explainCmd(withService),
		policiesCmd(withService),
		upsertPolicyCmd(withService),
		schedulerCmd(open, &cfgPath),
	)
	return root
}

type serviceRunner func(run func(cmd *cobra.Command, svc service, args []string) error) func(*cobra.Command, []string) error

func migrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded SQL migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger.Init(cfg.App.Env)

			pool, err := db.NewPool(cmd.Context(), cfg.Database.URL, cfg.Database.MaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := db.Migrate(cmd.Context(), pool, migrations.FS, migrations.Dir)
			if err != nil {
				return err
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			return nil
		},
	}
}

func createCmd(with serviceRunner) *cobra.Command {
	var skipStatusCheck bool
	cmd := &cobra.Command{
		Use:   "create <conversion-id>",
		Short: "Create the commission for a confirmed conversion",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, svc service, args []string) error {
			var opts []engine.CreateOption
			if skipStatusCheck {
				opts = append(opts, engine.SkipStatusCheck())
			}
			rec, err := svc.CreateCommission(cmd.Context(), args[0], opts...)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rec)
		}),
	}
	cmd.Flags().BoolVar(&skipStatusCheck, "skip-status-check", false, "create even if the conversion is not CONFIRMED")
	return cmd
}

func confirmCmd(with serviceRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <commission-id>",
		Short: "Confirm a pending commission",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, svc service, args []string) error {
			rec, err := svc.ConfirmCommission(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rec)
		}),
	}
}

func cancelCmd(with serviceRunner) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <commission-id>",
		Short: "Cancel a pending or confirmed commission",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, svc service, args []string) error {
			var r *string
			if reason != "" {
				r = &reason
			}
			rec, err := svc.CancelCommission(cmd.Context(), args[0], r)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rec)
		}),
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func adjustCmd(with serviceRunner) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "adjust <commission-id> <amount>",
		Short: "Change a commission amount and record the adjustment",
		Args:  cobra.ExactArgs(2),
		RunE: with(func(cmd *cobra.Command, svc service, args []string) error {
			amount, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			rec, err := svc.AdjustCommission(cmd.Context(), args[0], amount, reason)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rec)
		}),
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the adjustment history")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func payCmd(with serviceRunner) *cobra.Command {
	var method, reference string
	cmd := &cobra.Command{
		Use:   "pay <commission-id>",
		Short: "Mark a confirmed commission as paid",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, svc service, args []string) error {
			var ref *string
			if reference != "" {
				ref = &reference
			}
			rec, err := svc.MarkAsPaid(cmd.Context(), args[0], method, ref)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rec)
		}),
	}
	cmd.Flags().StringVar(&method, "method", "", "payment method")
	cmd.Flags().StringVar(&reference, "reference", "", "payment reference")
	_ = cmd.MarkFlagRequired("method")
	return cmd
}

func autoConfirmCmd(with serviceRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "auto-confirm",
		Short: "Confirm every pending commission whose hold period has ended",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, svc service, _ []string) error {
			n, err := svc.AutoConfirmCommissions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "confirmed %d commissions\n", n)
			return nil
		}),
	}
}

func listCmd(with serviceRunner) *cobra.Command {
	var (
		filters  commission.Filters
		status   string
		from, to string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List commissions",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, svc service, _ []string) error {
			filters.Status = commission.Status(status)
			var err error
			if filters.CreatedFrom, err = parseOptionalDate(from); err != nil {
				return err
			}
			if filters.CreatedTo, err = parseOptionalDate(to); err != nil {
				return err
			}
			res, err := svc.GetCommissions(cmd.Context(), filters)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		}),
	}
	cmd.Flags().StringVar(&filters.PartnerID, "partner", "", "filter by partner id")
	cmd.Flags().StringVar(&filters.PolicyID, "policy", "", "filter by policy id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&from, "from", "", "created on or after (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "created before (YYYY-MM-DD)")
	cmd.Flags().IntVar(&filters.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&filters.PageSize, "page-size", 20, "page size")
	cmd.Flags().StringVar(&filters.SortKey, "sort", "", "sort key")
	cmd.Flags().StringVar(&filters.SortOrder, "order", "", "asc or desc")
	return cmd
}

func statsCmd(with serviceRunner) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "stats <partner-id>",
		Short: "Summarize a partner's commissions by status",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, svc service, args []string) error {
			var window *commission.DateRange
			if from != "" || to != "" {
				r, err := parseRange(from, to, time.Now())
				if err != nil {
					return err
				}
				window = &r
			}
			stats, err := svc.GetCommissionStats(cmd.Context(), args[0], window)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		}),
	}
	cmd.Flags().StringVar(&from, "from", "", "window start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "window end, exclusive (YYYY-MM-DD)")
	return cmd
}

func performanceCmd(with serviceRunner) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "performance",
		Short: "Rank active policies by commission volume",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, svc service, _ []string) error {
			window, err := parseRange(from, to, time.Now())
			if err != nil {
				return err
			}
			perf, err := svc.GetPolicyPerformance(cmd.Context(), window)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), perf)
		}),
	}
	cmd.Flags().StringVar(&from, "from", "", "window start (YYYY-MM-DD), default 30 days ago")
	cmd.Flags().StringVar(&to, "to", "", "window end, exclusive (YYYY-MM-DD), default now")
	return cmd
}

func kpiCmd(with serviceRunner) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "kpi",
		Short: "Summarize commission volume, payouts and backlog",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, svc service, _ []string) error {
			window, err := parseRange(from, to, time.Now())
			if err != nil {
				return err
			}
			kpi, err := svc.GetKPISummary(cmd.Context(), window)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), kpi)
		}),
	}
	cmd.Flags().StringVar(&from, "from", "", "window start (YYYY-MM-DD), default 30 days ago")
	cmd.Flags().StringVar(&to, "to", "", "window end, exclusive (YYYY-MM-DD), default now")
	return cmd
}

func explainCmd(with serviceRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "explain <conversion-id>",
		Short: "Show how every active policy evaluates against a conversion",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, svc service, args []string) error {
			evals, err := svc.ExplainMatch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range evals {
				mark := " "
				if e.Selected {
					mark = "*"
				}
				verdict := "eligible"
				if !e.Eligible {
					verdict = e.Reason
				}
				fmt.Fprintf(out, "%s %-24s priority=%-4d specificity=%-4d %s\n", mark, e.PolicyCode, e.Priority, e.Specificity, verdict)
			}
			return nil
		}),
	}
}

func policiesCmd(with serviceRunner) *cobra.Command {
	var (
		filters    policy.Filters
		status     string
		policyType string
	)
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "List commission policies",
		Args:  cobra.NoArgs,
		RunE: with(func(cmd *cobra.Command, svc service, _ []string) error {
			filters.Status = policy.Status(status)
			filters.PolicyType = policy.Type(policyType)
			res, err := svc.GetPolicies(cmd.Context(), filters)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		}),
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&policyType, "type", "", "filter by policy type")
	cmd.Flags().StringVar(&filters.PartnerID, "partner", "", "filter by partner constraint")
	cmd.Flags().IntVar(&filters.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&filters.PageSize, "page-size", 20, "page size")
	return cmd
}

func upsertPolicyCmd(with serviceRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "upsert-policy <file>",
		Short: "Create or update a policy from a YAML or JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, svc service, args []string) error {
			params, err := readPolicyFile(args[0])
			if err != nil {
				return err
			}
			p, err := svc.UpsertPolicy(cmd.Context(), params)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), p)
		}),
	}
}

func schedulerCmd(open opener, cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the auto-confirm sweep and outbox relay until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := open(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server stopped", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			runner := scheduler.NewRunner(a.engine).
				WithInterval(a.cfg.Scheduler.Interval).
				WithTimeout(a.cfg.Scheduler.BatchTimeout)
			if a.pool != nil {
				runner = runner.WithRelay(outbox.NewRelay(a.pool, outbox.LogPublisher{}), 0)
			}
			logger.Info("scheduler started", "interval", a.cfg.Scheduler.Interval, "metrics_addr", a.cfg.Metrics.Addr)

			err = runner.Run(ctx)
			if errors.Is(err, context.Canceled) {
				logger.Info("scheduler stopped")
				return nil
			}
			return err
		},
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// policyFile is the on-disk shape accepted by upsert-policy.
type policyFile struct {
	PolicyCode     string   `mapstructure:"policy_code"`
	Name           string   `mapstructure:"name"`
	Description    string   `mapstructure:"description"`
	PolicyType     string   `mapstructure:"policy_type"`
	Status         string   `mapstructure:"status"`
	Priority       int      `mapstructure:"priority"`
	CommissionType string   `mapstructure:"commission_type"`
	CommissionRate *float64 `mapstructure:"commission_rate"`
	FixedAmount    *float64 `mapstructure:"fixed_amount"`
	ValidFrom      string   `mapstructure:"valid_from"`
	ValidUntil     string   `mapstructure:"valid_until"`
	UsageLimit     *int     `mapstructure:"usage_limit"`
	CanStack       bool     `mapstructure:"can_stack_with_other_policies"`
	Constraints    struct {
		PartnerID           *string  `mapstructure:"partner_id"`
		PartnerTier         *string  `mapstructure:"partner_tier"`
		ProductID           *string  `mapstructure:"product_id"`
		SupplierID          *string  `mapstructure:"supplier_id"`
		Category            *string  `mapstructure:"category"`
		Tags                []string `mapstructure:"tags"`
		MinOrderAmount      *float64 `mapstructure:"min_order_amount"`
		MaxOrderAmount      *float64 `mapstructure:"max_order_amount"`
		RequiresNewCustomer *bool    `mapstructure:"requires_new_customer"`
	} `mapstructure:"constraints"`
}

func readPolicyFile(path string) (policy.UpsertParams, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return policy.UpsertParams{}, fmt.Errorf("read policy file %s: %w", path, err)
	}
	var f policyFile
	if err := v.Unmarshal(&f); err != nil {
		return policy.UpsertParams{}, fmt.Errorf("decode policy file %s: %w", path, err)
	}

	validFrom, err := parseOptionalTime(f.ValidFrom)
	if err != nil {
		return policy.UpsertParams{}, err
	}
	validUntil, err := parseOptionalTime(f.ValidUntil)
	if err != nil {
		return policy.UpsertParams{}, err
	}

	return policy.UpsertParams{
		PolicyCode:     f.PolicyCode,
		Name:           f.Name,
		Description:    f.Description,
		PolicyType:     policy.Type(f.PolicyType),
		Status:         policy.Status(f.Status),
		Priority:       f.Priority,
		CommissionType: policy.CommissionType(f.CommissionType),
		CommissionRate: f.CommissionRate,
		FixedAmount:    f.FixedAmount,
		Constraints: policy.Constraints{
			PartnerID:           f.Constraints.PartnerID,
			PartnerTier:         f.Constraints.PartnerTier,
			ProductID:           f.Constraints.ProductID,
			SupplierID:          f.Constraints.SupplierID,
			Category:            f.Constraints.Category,
			Tags:                f.Constraints.Tags,
			MinOrderAmount:      f.Constraints.MinOrderAmount,
			MaxOrderAmount:      f.Constraints.MaxOrderAmount,
			RequiresNewCustomer: f.Constraints.RequiresNewCustomer,
		},
		ValidFrom:                 validFrom,
		ValidUntil:                validUntil,
		UsageLimit:                f.UsageLimit,
		CanStackWithOtherPolicies: f.CanStack,
	}, nil
}

// parseRange resolves --from/--to flags. Missing bounds default to the
// 30 days ending at now.
func parseRange(from, to string, now time.Time) (commission.DateRange, error) {
	r := commission.DateRange{From: now.AddDate(0, 0, -30), To: now}
	if from != "" {
		t, err := time.Parse(dateLayout, from)
		if err != nil {
			return commission.DateRange{}, fmt.Errorf("invalid --from %q: %w", from, err)
		}
		r.From = t
	}
	if to != "" {
		t, err := time.Parse(dateLayout, to)
		if err != nil {
			return commission.DateRange{}, fmt.Errorf("invalid --to %q: %w", to, err)
		}
		r.To = t
	}
	if !r.From.Before(r.To) {
		return commission.DateRange{}, fmt.Errorf("--from must be before --to")
	}
	return r, nil
}

func parseOptionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return &t, nil
}

// parseOptionalTime accepts RFC 3339 timestamps or plain dates.
func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	return parseOptionalDate(s)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
