package main

import (
	"github.com/urfave/cli/v2"

	"github.com/warptools/datman/cmd/datman/internal/util"
	"github.com/warptools/datman/dmapi"
	"github.com/warptools/datman/pkg/digest"
	"github.com/warptools/datman/pkg/logging"
)

var digestCmdDef = cli.Command{
	Name:      "digest",
	Usage:     "Compute the digest of a file, in checksum string form",
	ArgsUsage: "<file>",
	Action: util.ChainCmdMiddleware(cmdDigest,
		util.CmdMiddlewareLogging,
		util.CmdMiddlewareTracingConfig,
		util.CmdMiddlewareTracingSpan,
	),
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "algo",
			Usage: "Hash algorithm to use",
			Value: dmapi.DefaultHashAlgorithm,
		},
	},
}

func cmdDigest(c *cli.Context) error {
	logger := logging.Ctx(c.Context)
	if c.Args().Len() != 1 {
		return cli.Exit("expected exactly one file argument", 1)
	}
	algo := c.String("algo")
	sum, err := digest.Sum(c.Args().First(), algo)
	if err != nil {
		return err
	}
	logger.Out("%s:%s", algo, sum)
	return nil
}
