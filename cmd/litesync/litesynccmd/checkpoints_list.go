package litesynccmd

import (
	"context"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"go.litesync.dev/core/checkpoint"
	mbp "go.litesync.dev/core/mainboilerplate"
	"gopkg.in/yaml.v2"
)

type cmdCheckpointsList struct {
	Format string `long:"format" short:"o" choice:"table" choice:"yaml" default:"table" description:"Output format"`
}

func init() {
	CommandRegistry.AddCommand("checkpoints", "list", "List persisted feed checkpoints", `
List the checkpoints of every feed persisted to the configured --store.

Results can be output in a variety of --format options:
yaml:  Prints a YAML list of checkpoints.
table: Prints as a table.
`, &cmdCheckpointsList{})
}

func (cmd *cmdCheckpointsList) Execute([]string) error {
	defer startup()()
	var ctx = context.Background()

	var store, closeFn, err = CheckpointsCfg.Store.Open(ctx)
	mbp.Must(err, "failed to open checkpoint store")
	defer func() { _ = closeFn() }()

	cps, err := store.List(ctx)
	mbp.Must(err, "failed to list checkpoints")

	switch cmd.Format {
	case "table":
		writeCheckpointsTable(os.Stdout, cps)
	case "yaml":
		mbp.Must(writeCheckpointsYAML(os.Stdout, cps), "failed to encode checkpoints")
	}
	return nil
}

func writeCheckpointsTable(w io.Writer, cps []checkpoint.Checkpoint) {
	var table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Feed", "Sequence", "Value", "Updated"})

	for _, cp := range cps {
		table.Append([]string{
			cp.FeedID,
			strconv.FormatUint(cp.Sequence, 10),
			cp.Value,
			humanize.Time(cp.UpdatedAt),
		})
	}
	table.Render()
}

func writeCheckpointsYAML(w io.Writer, cps []checkpoint.Checkpoint) error {
	var b, err = yaml.Marshal(cps)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
