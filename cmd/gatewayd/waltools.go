package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/apexlabs/infergate/log"
	"github.com/apexlabs/infergate/wal"
)

var walCommand = &cli.Command{
	Name:  "wal",
	Usage: "inspect or replay the write-ahead log",
	Subcommands: []*cli.Command{
		{
			Name:  "replay",
			Usage: "replay WAL entries from a given sequence number onward",
			Flags: []cli.Flag{
				&cli.Uint64Flag{Name: "since", Usage: "replay entries with seq >= since"},
			},
			Action: func(c *cli.Context) error {
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				w, err := wal.Open(walConfigFrom(cfg), log.NewCLI(log.LvlInfo))
				if err != nil {
					return err
				}
				defer w.Shutdown(5 * time.Second)

				since := c.Uint64("since")
				stats, err := w.Replay(func(e wal.Entry) error {
					fmt.Printf("seq=%d op=%s path=%s\n", e.Seq, e.Operation, e.Path)
					return nil
				}, wal.ReplayOptions{SinceSeq: since})
				if err != nil {
					return err
				}
				fmt.Printf("replayed=%d errors=%d\n", stats.Replayed, stats.Errors)
				return nil
			},
		},
	},
}
