package main

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/MakeNowJust/heredoc"
	"github.com/urfave/cli/v2"

	"github.com/warptools/datman/cmd/datman/internal/util"
	"github.com/warptools/datman/dmapi"
	"github.com/warptools/datman/pkg/kv"
	"github.com/warptools/datman/pkg/logging"
	"github.com/warptools/datman/pkg/manager"
)

var statusCmdDef = cli.Command{
	Name:      "status",
	Usage:     "Show the persisted status of every dataset under a root directory",
	ArgsUsage: "<root>",
	Description: heredoc.Doc(`
		Reads the STATUS file of a managed root directory and prints each
		dataset identifier with its normalized status.  Unrecognized entries
		print as NONE, matching what the pipeline would do with them.
	`),
	Action: util.ChainCmdMiddleware(cmdStatus,
		util.CmdMiddlewareLogging,
		util.CmdMiddlewareTracingConfig,
		util.CmdMiddlewareTracingSpan,
	),
}

func cmdStatus(c *cli.Context) error {
	logger := logging.Ctx(c.Context)
	if c.Args().Len() != 1 {
		return cli.Exit("expected exactly one root directory argument", 1)
	}
	root := c.Args().First()
	statuses, err := kv.Load(os.DirFS(root), manager.StatusFilename)
	if err != nil {
		// No or unreadable status store simply means nothing is ready yet.
		logger.Debug("status", "no readable status store under %s: %s", root, err)
		statuses = map[string]string{}
	}

	normalized := make(map[string]dmapi.Status, len(statuses))
	for id, raw := range statuses {
		normalized[id] = dmapi.ParseStatus(raw)
	}

	if c.Bool("json") {
		return json.NewEncoder(c.App.Writer).Encode(normalized)
	}
	ids := make([]string, 0, len(normalized))
	for id := range normalized {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		logger.Out("%s: %s", id, normalized[id])
	}
	return nil
}
