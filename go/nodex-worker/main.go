package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "nodex.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "serve", "Run the fleet reconciliation worker", `
Run the reconciliation worker until signaled to exit (via SIGTERM or SIGINT).
Each cycle converges every node panel's inbounds and clients onto the central
panel's inventory, then folds per-client traffic counters from all panels
into monotonic totals written back to every panel.
`, &cmdServe{})

	addCmd(parser, "sync", "Run a single sync cycle and exit", `
Run one reconcile-then-aggregate cycle against the configured panels and
exit non-zero if either step failed. Useful for cron-style scheduling and
for verifying a configuration.
`, &cmdSync{})

	state, err := parser.Command.AddCommand("state", "Inspect the local state database", "", &struct{}{})
	mbp.Must(err, "failed to add command")

	addCmd(state, "totals", "List accumulated client totals", `
List every client's accumulated traffic total and the start of its current
accounting cycle.
`, &cmdStateTotals{})

	addCmd(state, "counters", "List a client's per-panel baselines", `
List the last counter value written to each panel for a client. A panel's
next contribution is its current counter minus this baseline.
`, &cmdStateCounters{})

	addCmd(state, "nodes", "List a client's per-node accumulations", `
List the delta each node panel has contributed to a client's total since the
current accounting cycle began.
`, &cmdStateNodes{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	mbp.Must(err, "failed to add flags parser command")
	return cmd
}
