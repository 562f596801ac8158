package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/apexlabs/infergate/internal/config"
	"github.com/apexlabs/infergate/log"
)

var (
	gitCommit = ""
	clientIdentifier = "gatewayd"
)

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "path to the gateway's TOML configuration file",
}

// loadConfig reads --config if set, otherwise falls back to config.Default,
// then layers any set CLI flags on top (mirrors the teacher's
// cmd/r5/config.go "file, then flags" precedence).
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String(configFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	return config.ApplyFlags(cfg, c), nil
}

func main() {
	app := cli.NewApp()
	app.Name = clientIdentifier
	app.Usage = "inference gateway billing, persistence and provider-invocation daemon"
	app.Version = gitCommit
	app.Flags = append([]cli.Flag{configFlag}, config.Flags()...)
	app.Commands = []*cli.Command{
		runCommand,
		walCommand,
		ledgerCommand,
		dlqCommand,
		healthCommand,
	}

	logger := log.NewCLI(log.LvlInfo)
	if err := app.Run(os.Args); err != nil {
		logger.Crit("gatewayd: fatal", "err", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
