package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/factory"
)

// newSeedCommand loads plan and roster documents into the configured store.
// Plans are saved before rosters so a roster may follow its plan in one call.
func newSeedCommand(opts *rootOptions) *cobra.Command {
	var (
		planFiles   []string
		rosterFiles []string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load plan and roster files into the store",
		Example: `  payroll seed --plan plans/acme.yaml --roster rosters/acme.json
  payroll seed --plan a.yaml --plan b.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(planFiles) == 0 && len(rosterFiles) == 0 {
				return errors.New("nothing to seed: pass --plan or --roster")
			}
			if opts.cfg.Database.Backend == config.BackendMemory {
				opts.log.Warn().Msg("memory backend: seeded data is lost when the command exits")
			}

			a, err := newApp(opts.cfg, opts.log)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			plans := factory.NewPlanFactory()
			out := cmd.OutOrStdout()

			for _, path := range planFiles {
				plan, err := plans.LoadPlanFile(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if err := a.store.SaveTenantPlan(ctx, plan); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(out, "plan %s saved for tenant %s\n", plan.ID, plan.TenantID)
			}

			for _, path := range rosterFiles {
				participants, err := plans.LoadRosterFile(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if err := a.store.SaveParticipants(ctx, participants); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(out, "%d participants saved from %s\n", len(participants), path)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&planFiles, "plan", nil, "Plan file (.json, .yaml, .yml); repeatable")
	cmd.Flags().StringArrayVar(&rosterFiles, "roster", nil, "Roster file (.json, .yaml, .yml); repeatable")
	return cmd
}
