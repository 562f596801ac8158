package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/apexlabs/infergate/dlq"
	"github.com/apexlabs/infergate/log"
)

var dlqCommand = &cli.Command{
	Name:  "dlq",
	Usage: "inspect the dead-letter store",
	Subcommands: []*cli.Command{
		{
			Name:  "ls",
			Usage: "print the current dead-letter depth and oldest entry age",
			Action: func(c *cli.Context) error {
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				store, err := openStateStore(cfg, log.Noop())
				if err != nil {
					return err
				}
				defer store.Close()

				d, err := dlq.Open("./data/dlq", store)
				if err != nil {
					return err
				}
				defer d.Close()

				h := d.ReportHealth()
				if h.Depth == nil {
					fmt.Println("dlq health unavailable")
					return nil
				}
				fmt.Printf("depth=%d", *h.Depth)
				if h.OldestAgeSecs != nil {
					fmt.Printf(" oldest_age_seconds=%.1f", *h.OldestAgeSecs)
				}
				fmt.Println()
				return nil
			},
		},
	},
}
