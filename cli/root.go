/*
Package cli implements the payroll command.

COMMANDS:
  payroll serve       HTTP API plus the pay-period scheduler
  payroll run         One pre-payroll job for a tenant and period
  payroll reprocess   Relaunch a period that has FAILED calculations
  payroll seed        Load plan and roster files into the store

GLOBAL FLAGS:
  --config     YAML config file (see config package)
  --log-level  Overrides log.level

SEE ALSO:
  - cmd/server/main.go: Entry point
  - config/config.go: Configuration keys
*/
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/logging"
)

// rootOptions carries state shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string

	cfg *config.Config
	log zerolog.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand(version string) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "payroll",
		Short:         "Pre-payroll 401(k) processing engine",
		Long:          "Evaluates eligibility, computes contributions and pushes payroll deductions, one job per tenant and pay period.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newRunCommand(opts))
	root.AddCommand(newReprocessCommand(opts))
	root.AddCommand(newSeedCommand(opts))
	return root
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	o.cfg = cfg
	o.log = logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	return nil
}

// Execute runs the root command and reports the error on stderr.
func Execute(version string) error {
	if err := NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
