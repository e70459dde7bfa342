// Package litesynccmd implements the commands of the litesync tool.
package litesynccmd

import (
	"context"
	"database/sql"

	"github.com/jessevdk/go-flags"
	_ "github.com/lib/pq"           // Import for registration side-effect.
	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.litesync.dev/core/checkpoint"
	mbp "go.litesync.dev/core/mainboilerplate"
)

const iniFilename = "litesync.ini"

var (
	baseCfg = new(struct {
		Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
		Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
	})
	// CheckpointsCfg is the configuration of the "checkpoints" command.
	CheckpointsCfg = new(struct {
		Store StoreConfig `group:"Store" namespace:"store" env-namespace:"STORE"`
	})
	// CommandRegistry of litesync sub-commands.
	CommandRegistry = mbp.NewCommandRegistry()
)

// StoreConfig configures a checkpoint.Store.
type StoreConfig struct {
	Driver string `long:"driver" env:"DRIVER" default:"memory" choice:"memory" choice:"json" choice:"sqlite3" choice:"postgres" description:"Checkpoint store driver"`
	DSN    string `long:"dsn" env:"DSN" description:"Data source name of a sqlite3 or postgres store, or directory of a json store"`
}

// Open the configured checkpoint store. The returned closure releases its
// resources.
func (cfg StoreConfig) Open(ctx context.Context) (checkpoint.Lister, func() error, error) {
	var nop = func() error { return nil }

	switch cfg.Driver {
	case "memory", "":
		return checkpoint.NewMemoryStore(), nop, nil

	case "json":
		if cfg.DSN == "" {
			return nil, nil, errors.New("json store requires a directory --store.dsn")
		}
		var store, err = checkpoint.NewJSONFileStore(afero.NewOsFs(), cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, nop, nil

	case "sqlite3", "postgres":
		if cfg.DSN == "" {
			return nil, nil, errors.Errorf("%s store requires a --store.dsn", cfg.Driver)
		}
		var db, err = sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "opening %s database", cfg.Driver)
		}
		var store = checkpoint.NewSQLStore(db)

		if err = store.CreateTable(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, db.Close, nil

	default:
		return nil, nil, errors.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func startup() func() {
	mbp.InitLog(baseCfg.Log)
	return mbp.InitDiagnosticsAndRecover(baseCfg.Diagnostics)
}

func mustAddCmd(cmd *flags.Command, name, short, long string, cfg interface{}) *flags.Command {
	cmd, err := cmd.AddCommand(name, short, long, cfg)
	mbp.Must(err, "failed to add command")
	return cmd
}

// Execute parses configuration and runs the selected litesync command.
func Execute() {
	var parser = flags.NewParser(baseCfg, flags.Default)

	parser.LongDescription = `litesync exercises and inspects litesync change feeds.

See --help pages of each sub-command for documentation and usage examples.
Optionally configure litesync with a '` + iniFilename + `' file in the current working
directory, or with '~/.config/litesync/` + iniFilename + `'. Use the 'print-config'
sub-command to inspect the tool's current configuration.
`
	mbp.AddPrintConfigCmd(parser, iniFilename)
	_ = mustAddCmd(parser.Command, "checkpoints", "Inspect persisted feed checkpoints", "", CheckpointsCfg)

	mbp.Must(CommandRegistry.AddCommands("", parser.Command), "could not add subcommand")
	mbp.MustParseConfig(parser, iniFilename)
}
