package litesynccmd

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.litesync.dev/core/change"
	"go.litesync.dev/core/feed"
	mbp "go.litesync.dev/core/mainboilerplate"
	"go.litesync.dev/core/metrics"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"
)

// SimulationConfig configures a simulated workload of concurrent writers.
type SimulationConfig struct {
	Writers       int     `long:"writers" env:"WRITERS" default:"4" description:"Number of concurrent writers"`
	Commits       int     `long:"commits" env:"COMMITS" default:"1000" description:"Number of commits of each writer"`
	MaxInFlight   int     `long:"max-in-flight" env:"MAX_IN_FLIGHT" default:"8" description:"Maximum number of a writer's begun commits which may await completion"`
	ReviseRatio   float64 `long:"revise-ratio" env:"REVISE_RATIO" default:"0.3" description:"Ratio of commits which revise an existing document, rather than creating one"`
	ConflictRatio float64 `long:"conflict-ratio" env:"CONFLICT_RATIO" default:"0.05" description:"Ratio of completed commits which are conflicts"`
	AbandonRatio  float64 `long:"abandon-ratio" env:"ABANDON_RATIO" default:"0.01" description:"Ratio of commits which are abandoned without a change"`
	Seed          int64   `long:"seed" env:"SEED" description:"Random seed of the workload. Time-based if zero"`
}

// Validate returns an error if the SimulationConfig is not well-formed.
func (cfg SimulationConfig) Validate() error {
	if cfg.Writers <= 0 {
		return errors.Errorf("invalid Writers (%d; expected > 0)", cfg.Writers)
	} else if cfg.Commits < 0 {
		return errors.Errorf("invalid Commits (%d; expected >= 0)", cfg.Commits)
	} else if cfg.MaxInFlight <= 0 {
		return errors.Errorf("invalid MaxInFlight (%d; expected > 0)", cfg.MaxInFlight)
	}
	for _, r := range []struct {
		name string
		v    float64
	}{
		{"ReviseRatio", cfg.ReviseRatio},
		{"ConflictRatio", cfg.ConflictRatio},
		{"AbandonRatio", cfg.AbandonRatio},
	} {
		if r.v < 0 || r.v > 1 {
			return errors.Errorf("invalid %s (%v; expected 0 <= ratio <= 1)", r.name, r.v)
		}
	}
	return nil
}

// SimulationResult summarizes a completed simulation.
type SimulationResult struct {
	Feed            string        `yaml:"feed"`
	Restored        uint64        `yaml:"restored"`
	Commits         int64         `yaml:"commits"`
	Abandoned       int64         `yaml:"abandoned"`
	Duplicates      int64         `yaml:"duplicates"`
	Batches         int64         `yaml:"batches"`
	Events          int64         `yaml:"events"`
	Conflicts       int64         `yaml:"conflicts"`
	External        int64         `yaml:"external"`
	Checkpoint      uint64        `yaml:"checkpoint"`
	CheckpointValue string        `yaml:"checkpoint_value"`
	Saved           uint64        `yaml:"saved"`
	Elapsed         time.Duration `yaml:"elapsed"`
}

type cmdSimulate struct {
	SimulationConfig
	Feed   feed.Config `group:"Feed" namespace:"feed" env-namespace:"FEED"`
	Store  StoreConfig `group:"Store" namespace:"store" env-namespace:"STORE"`
	Format string      `long:"format" short:"o" choice:"table" choice:"yaml" default:"table" description:"Output format"`
}

func init() {
	CommandRegistry.AddCommand("", "simulate", "Simulate concurrent writers of a change feed", `
Simulate a database storage engine committing document revisions through a
change feed.

Concurrent --writers each begin --commits commits in order, and complete them
out of order while up to --max-in-flight are outstanding. Writers having an odd
index simulate replication from a remote peer. Batches of change events are
delivered to a counting listener, and the feed checkpoint is persisted to the
configured --store.

If the store holds a checkpoint of --feed.id, the simulation resumes from it.
`, &cmdSimulate{})
}

func (cmd *cmdSimulate) Execute([]string) error {
	defer startup()()
	var ctx = context.Background()

	log.WithFields(log.Fields{
		"simulation": cmd.SimulationConfig,
		"feed":       cmd.Feed,
		"store":      cmd.Store.Driver,
	}).Info("starting simulation")

	var store, closeFn, err = cmd.Store.Open(ctx)
	mbp.Must(err, "failed to open checkpoint store")
	defer func() { _ = closeFn() }()

	f, err := feed.New(cmd.Feed, store, nil)
	mbp.Must(err, "failed to build feed")

	result, err := Simulate(ctx, cmd.SimulationConfig, f)
	mbp.Must(err, "simulation failed")

	switch cmd.Format {
	case "table":
		samples, err := metrics.Snapshot(prometheus.DefaultGatherer, metrics.Prefix)
		mbp.Must(err, "failed to gather metrics")
		writeSimulationTable(os.Stdout, result, filterSamples(samples, f.ID()))
	case "yaml":
		b, err := yaml.Marshal(result)
		mbp.Must(err, "failed to encode result")
		_, _ = os.Stdout.Write(b)
	}
	return nil
}

// Simulate runs the simulated workload of the SimulationConfig through the
// Feed, which is Restored before and Closed after the workload.
func Simulate(ctx context.Context, cfg SimulationConfig, f *feed.Feed) (SimulationResult, error) {
	var result = SimulationResult{Feed: f.ID()}

	if err := cfg.Validate(); err != nil {
		return result, err
	} else if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	var restored, err = f.Restore(ctx)
	if err != nil {
		return result, err
	}
	result.Restored = restored.Sequence

	var batches, events, conflicts, external atomic.Int64
	var cancel = f.Register(func(b []change.Event) error {
		batches.Add(1)
		events.Add(int64(len(b)))

		for _, ev := range b {
			if ev.IsConflict() {
				conflicts.Add(1)
			}
			if ev.IsExternal() {
				external.Add(1)
			}
		}
		return nil
	}, change.WithName("simulation"))
	defer cancel()

	var start = time.Now()
	var group, groupCtx = errgroup.WithContext(ctx)

	for w := 0; w != cfg.Writers; w++ {
		var wr = newWriter(cfg, w, f)
		group.Go(func() error { return wr.run(groupCtx) })
	}
	var groupErr = group.Wait()

	if err = f.Close(ctx, true); err != nil && groupErr == nil {
		groupErr = err
	}
	result.Elapsed = time.Since(start)

	var stats = f.Stats()
	result.Commits = stats.Begun
	result.Abandoned = stats.Abandoned
	result.Duplicates = stats.Duplicates
	result.Saved = stats.Saved
	result.Batches = batches.Load()
	result.Events = events.Load()
	result.Conflicts = conflicts.Load()
	result.External = external.Load()
	result.Checkpoint, result.CheckpointValue, _ = f.Checkpoint()

	return result, groupErr
}

type inFlight struct {
	commit *feed.Commit
	rev    change.Revision
}

// writer is a simulated writer of document revisions.
type writer struct {
	cfg    SimulationConfig
	name   string
	feed   *feed.Feed
	rnd    *rand.Rand
	source *url.URL

	docs     []string          // Documents written by this writer.
	revs     map[string]string // Current RevID of each document.
	inFlight []inFlight
}

func newWriter(cfg SimulationConfig, index int, f *feed.Feed) *writer {
	var w = &writer{
		cfg:  cfg,
		name: "writer-" + strconv.Itoa(index),
		feed: f,
		rnd:  rand.New(rand.NewSource(cfg.Seed + int64(index))),
		revs: make(map[string]string),
	}
	if index%2 == 1 {
		w.source = &url.URL{Scheme: "https", Host: fmt.Sprintf("peer-%d.example", index), Path: "/db"}
	}
	return w
}

func (w *writer) run(ctx context.Context) error {
	for i := 0; i != w.cfg.Commits; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.inFlight = append(w.inFlight, inFlight{
			commit: w.feed.Begin(w.name + "#" + strconv.Itoa(i)),
			rev:    w.nextRevision(),
		})
		for len(w.inFlight) >= w.cfg.MaxInFlight || (len(w.inFlight) != 0 && w.rnd.Intn(2) == 0) {
			if err := w.completeOne(); err != nil {
				return err
			}
		}
	}
	for len(w.inFlight) != 0 {
		if err := w.completeOne(); err != nil {
			return err
		}
	}
	return nil
}

// completeOne completes a random in-flight commit.
func (w *writer) completeOne() error {
	var ind = w.rnd.Intn(len(w.inFlight))
	var c = w.inFlight[ind]
	w.inFlight = append(w.inFlight[:ind], w.inFlight[ind+1:]...)

	if w.rnd.Float64() < w.cfg.AbandonRatio {
		return errors.WithMessage(c.commit.Abandon(), w.name)
	}
	var conflict = w.rnd.Float64() < w.cfg.ConflictRatio
	return errors.WithMessage(c.commit.Complete(c.rev, !conflict, conflict, w.source), w.name)
}

// nextRevision returns a Revision which either revises an existing document
// of the writer, or creates a new one.
func (w *writer) nextRevision() change.Revision {
	var rev change.Revision

	if len(w.docs) != 0 && w.rnd.Float64() < w.cfg.ReviseRatio {
		rev.DocID = w.docs[w.rnd.Intn(len(w.docs))]
		rev.ParentRevID = w.revs[rev.DocID]
	} else {
		rev.DocID = uuid.NewString()
		w.docs = append(w.docs, rev.DocID)
	}

	var gen = 1
	if rev.ParentRevID != "" {
		var parent = change.Revision{DocID: rev.DocID, RevID: rev.ParentRevID}
		var pg, err = parent.Generation()
		if err == nil {
			gen = pg + 1
		}
	}
	rev.RevID = strconv.Itoa(gen) + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	w.revs[rev.DocID] = rev.RevID
	return rev
}

func writeSimulationTable(out io.Writer, r SimulationResult, samples []metrics.Sample) {
	var rate float64
	if secs := r.Elapsed.Seconds(); secs > 0 {
		rate = float64(r.Commits) / secs
	}

	var table = tablewriter.NewWriter(out)
	table.SetHeader([]string{"Statistic", "Value"})
	for _, row := range [][]string{
		{"Feed", r.Feed},
		{"Restored Sequence", humanize.Comma(int64(r.Restored))},
		{"Commits", humanize.Comma(r.Commits)},
		{"Abandoned", humanize.Comma(r.Abandoned)},
		{"Duplicates", humanize.Comma(r.Duplicates)},
		{"Batches", humanize.Comma(r.Batches)},
		{"Events", humanize.Comma(r.Events)},
		{"Conflicts", humanize.Comma(r.Conflicts)},
		{"External", humanize.Comma(r.External)},
		{"Checkpoint", humanize.Comma(int64(r.Checkpoint))},
		{"Checkpoint Value", r.CheckpointValue},
		{"Saved Checkpoint", humanize.Comma(int64(r.Saved))},
		{"Elapsed", r.Elapsed.Round(time.Millisecond).String()},
		{"Commits / Second", humanize.CommafWithDigits(rate, 1)},
	} {
		table.Append(row)
	}
	table.Render()

	if len(samples) == 0 {
		return
	}
	table = tablewriter.NewWriter(out)
	table.SetHeader([]string{"Metric", "Labels", "Value"})
	for _, s := range samples {
		var value = humanize.CommafWithDigits(s.Value, 3)
		if s.Count != 0 {
			value = fmt.Sprintf("%s (count %s)", value, humanize.Comma(int64(s.Count)))
		}
		table.Append([]string{s.Name, s.LabelString(), value})
	}
	table.Render()
}

// filterSamples returns |samples| which are unlabeled, or which are labeled
// with the |feedID|.
func filterSamples(samples []metrics.Sample, feedID string) []metrics.Sample {
	var out []metrics.Sample
	for _, s := range samples {
		if len(s.Labels) == 0 || s.Labels["feed"] == feedID || s.Labels["batcher"] == feedID {
			out = append(out, s)
		}
	}
	return out
}
