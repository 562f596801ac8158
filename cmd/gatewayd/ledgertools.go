package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/apexlabs/infergate/log"
	"github.com/apexlabs/infergate/ledger"
)

var ledgerCommand = &cli.Command{
	Name:  "ledger",
	Usage: "inspect or repair the per-tenant cost journal",
	Subcommands: []*cli.Command{
		{
			Name:      "recompute",
			Usage:     "recompute a tenant's ledger totals, dropping duplicate entries",
			ArgsUsage: "<tenant>",
			Action: func(c *cli.Context) error {
				tenant := c.Args().First()
				if tenant == "" {
					return fmt.Errorf("ledger recompute: missing <tenant>")
				}
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				l, err := ledger.Open(ledgerConfigFrom(cfg), log.NewCLI(log.LvlInfo))
				if err != nil {
					return err
				}
				stats, err := l.Recompute(tenant)
				if err != nil {
					return err
				}
				fmt.Printf("tenant=%s total_entries=%d duplicates_removed=%d total_cost_micro=%s\n",
					tenant, stats.TotalEntries, stats.DuplicatesRemoved, stats.TotalCostMicro)
				return nil
			},
		},
	},
}
