package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/benefits"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/payroll"
)

// periodFlags select a pay period. Without dates the period that closed
// most recently under scheduler.frequency is used.
type periodFlags struct {
	tenantID string
	start    string
	end      string
}

func (p *periodFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&p.tenantID, "tenant", "t", "", "Tenant id (required)")
	cmd.Flags().StringVar(&p.start, "start", "", "Period start YYYY-MM-DD")
	cmd.Flags().StringVar(&p.end, "end", "", "Period end YYYY-MM-DD")
	cmd.MarkFlagRequired("tenant")
}

func (p *periodFlags) period(cfg *config.Config, now time.Time) (benefits.Period, error) {
	if p.start == "" && p.end == "" {
		freq, err := payroll.ParseFrequency(cfg.Scheduler.Frequency)
		if err != nil {
			return benefits.Period{}, err
		}
		anchor, err := cfg.Scheduler.AnchorDate()
		if err != nil {
			return benefits.Period{}, err
		}
		return payroll.ClosedPeriod(freq, anchor, now)
	}
	if p.start == "" || p.end == "" {
		return benefits.Period{}, errors.New("--start and --end must be given together")
	}
	start, err := time.Parse(time.DateOnly, p.start)
	if err != nil {
		return benefits.Period{}, fmt.Errorf("--start: %w", err)
	}
	end, err := time.Parse(time.DateOnly, p.end)
	if err != nil {
		return benefits.Period{}, fmt.Errorf("--end: %w", err)
	}
	return benefits.NewPeriod(start, end)
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var pf periodFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pre-payroll job for one tenant and period",
		Example: `  payroll run --tenant acme --start 2025-06-01 --end 2025-06-30
  payroll run --tenant acme   # most recently closed period`,
		RunE: func(cmd *cobra.Command, args []string) error {
			period, err := pf.period(opts.cfg, time.Now())
			if err != nil {
				return err
			}
			return runJob(cmd, opts, func(ctx context.Context, svc *payroll.Service) (*payroll.JobHandle, error) {
				return svc.ProcessPayroll(ctx, pf.tenantID, period.Start, period.End)
			})
		},
	}
	pf.register(cmd)
	return cmd
}

func newReprocessCommand(opts *rootOptions) *cobra.Command {
	var pf periodFlags

	cmd := &cobra.Command{
		Use:   "reprocess",
		Short: "Relaunch a period that has FAILED calculations",
		RunE: func(cmd *cobra.Command, args []string) error {
			period, err := pf.period(opts.cfg, time.Now())
			if err != nil {
				return err
			}
			return runJob(cmd, opts, func(ctx context.Context, svc *payroll.Service) (*payroll.JobHandle, error) {
				return svc.ReprocessFailed(ctx, pf.tenantID, period.Start, period.End)
			})
		},
	}
	pf.register(cmd)
	return cmd
}

// runJob launches through the service, waits and prints the step summary.
func runJob(cmd *cobra.Command, opts *rootOptions, launch func(context.Context, *payroll.Service) (*payroll.JobHandle, error)) error {
	a, err := newApp(opts.cfg, opts.log)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	handle, err := launch(ctx, a.service)
	if err != nil {
		return err
	}
	exec, runErr := handle.Wait(ctx)
	if exec != nil {
		printSummary(cmd.OutOrStdout(), exec)
	}
	if runErr != nil {
		return fmt.Errorf("job %s failed: %w", handle.ExecutionID, runErr)
	}
	return nil
}

func printSummary(w io.Writer, exec *batch.JobExecution) {
	tenantID, _ := exec.Parameters.Get(benefits.ParamTenantID)
	start, _ := exec.Parameters.Get(benefits.ParamPeriodStart)
	end, _ := exec.Parameters.Get(benefits.ParamPeriodEnd)
	fmt.Fprintf(w, "job %s  tenant %s  period %s..%s  status %s\n", exec.ID, tenantID, start, end, exec.Status)
	if exec.ExitMessage != "" {
		fmt.Fprintf(w, "  %s\n", exec.ExitMessage)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tREAD\tWRITTEN\tSKIPPED\tCOMMITS\tROLLBACKS")
	for _, s := range exec.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			s.StepName, s.Status, s.ReadCount, s.WriteCount, s.SkipCount(), s.CommitCount, s.RollbackCount)
	}
	tw.Flush()

	ctx := benefits.NewJobContext(exec)
	fmt.Fprintf(w, "eligible %d  ineligible %d  errors %d  calculations %d  deductions created %d  failed %d  skipped %d\n",
		ctx.Count(benefits.KeyEligibleCount),
		ctx.Count(benefits.KeyIneligibleCount),
		ctx.Count(benefits.KeyEligibilityErrorCount),
		ctx.Count(benefits.KeyCalculationResultsCount),
		ctx.Count(benefits.KeyDeductionsCreatedCount),
		ctx.Count(benefits.KeyDeductionsFailedCount),
		ctx.Count(benefits.KeyDeductionsSkippedCount),
	)
}
