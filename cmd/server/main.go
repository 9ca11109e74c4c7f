/*
main.go - Application entry point

PURPOSE:
  Starts the payroll engine command. All wiring lives in the cli package.

EXAMPLES:
  # Serve the API with the scheduler, file database
  ./payroll serve -c config.yaml

  # One-off run for the most recently closed period
  PAYROLL_DATABASE_PATH=./data/payroll.db ./payroll run --tenant acme

  # In-memory everything, on a different port
  PAYROLL_DATABASE_BACKEND=memory ./payroll serve -p 3000

ENVIRONMENT:
  Every config key can be set as PAYROLL_<SECTION>_<KEY>,
  e.g. PAYROLL_HRIS_BASE_URL, PAYROLL_LOG_LEVEL.

SEE ALSO:
  - cli/root.go: Command tree
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
*/
package main

import (
	"os"

	"github.com/warp/payroll-engine/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
