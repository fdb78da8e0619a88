/*
main.go - Batch P&L engine entry point

PURPOSE:
  Command-line front door for the cost allocation and P&L warehouse.
  Every operator action is a subcommand; the batch pipeline itself runs
  under the singleton lock, so concurrent invocations fail fast instead
  of interleaving.

COMMANDS:
  init       Create the schema and seed the charge policy dimension
  run        Execute one full batch (allocation -> waterfall -> coverage)
  status     Print the operational snapshot
  unlock     Force-clear a stuck batch lock
  rollback   Undo the last N batches and rebuild all marts
  close      Freeze a period (coverage gate, --force to override)
  reopen     Unfreeze a period with a reason
  adjust     Record a post-close manual adjustment
  export     Write the reporting workbook to an xlsx file
  serve      Start the read-only reporting API

EXAMPLES:
  pnl init --db ./pnl.db
  pnl run --db ./pnl.db --dry-run
  pnl close 2024-01 --db ./pnl.db --by controller
  pnl serve --db ./pnl.db --port 8080

SEE ALSO:
  - pipeline: run orchestration and the status snapshot
  - api:      reporting endpoints behind `serve`
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
