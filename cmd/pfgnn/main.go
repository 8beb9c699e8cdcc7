package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sanonone/pfgnn/pkg/config"
	"github.com/sanonone/pfgnn/pkg/core/tensor"
	"github.com/sanonone/pfgnn/pkg/model"
	"github.com/sanonone/pfgnn/pkg/persistence"
	"gonum.org/v1/gonum/mat"
)

const usage = `usage:
  pfgnn [run] [flags]              build a model and run a synthetic forward pass
  pfgnn checkpoints -dir <run dir> list checkpoints, optionally prune all but the best
`

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && (args[0] == "run" || args[0] == "checkpoints") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runCmd(args)
	case "checkpoints":
		err = checkpointsCmd(args)
	}
	if err != nil {
		slog.Error("[CLI] command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func setupLogging(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage); fs.PrintDefaults() }
	configPath := fs.String("config", "", "path to the YAML configuration (defaults are used when empty)")
	weights := fs.String("weights", "", "snapshot to load into the model, overrides setup.weights")
	lanes := fs.Int("lanes", 0, "number of events processed in parallel, overrides setup.lanes")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9100) and wait for a signal")
	save := fs.Bool("save", false, "write a checkpoint into a new experiment directory")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	_ = fs.Parse(args)

	if err := setupLogging(*logLevel); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	cfg.ApplyOverrides(*weights, *lanes)

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("[CLI] serving metrics", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("[CLI] metrics server stopped", "error", err)
			}
		}()
	}

	m, err := cfg.BuildModel()
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(cfg.Setup.Seed))
	x, y := syntheticBatch(rng, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, err := m.Forward(ctx, x, model.ForwardOptions{Seed: cfg.Setup.Seed})
	if err != nil {
		return err
	}
	printSummary(os.Stdout, m.Name(), x, out)

	targets, err := model.TargetsFromRows(y, cfg.Dataset.NumOutputClasses)
	if err != nil {
		return err
	}
	loss := regressionLoss(out, targets, x.Mask())
	fmt.Printf("regression mse vs synthetic targets: %.6f\n", loss)

	if *save {
		if err := saveCheckpoint(cfg, m, loss); err != nil {
			return err
		}
	}

	if *metricsAddr != "" {
		slog.Info("[CLI] waiting for interrupt")
		<-ctx.Done()
	}
	return nil
}

func saveCheckpoint(cfg config.Config, m model.Model, loss float64) error {
	prec, err := cfg.Precision()
	if err != nil {
		return err
	}
	var suffix string
	if cfg.Checkpoint.HostName {
		if suffix, err = os.Hostname(); err != nil {
			return fmt.Errorf("failed to read host name: %w", err)
		}
	}
	dir, err := persistence.CreateExperimentDir(cfg.Checkpoint.Root, cfg.Checkpoint.Prefix, suffix)
	if err != nil {
		return err
	}
	reg, err := persistence.OpenRegistry(dir)
	if err != nil {
		return err
	}
	ck, err := reg.Save(0, loss, m.Name(), m.Params(), prec)
	if err != nil {
		return err
	}
	fmt.Printf("checkpoint written to %s\n", ck.Path)
	return nil
}

func checkpointsCmd(args []string) error {
	fs := flag.NewFlagSet("checkpoints", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage); fs.PrintDefaults() }
	dir := fs.String("dir", "", "experiment directory holding weights/")
	prune := fs.Bool("prune", false, "delete every checkpoint except the one with the lowest loss")
	dryRun := fs.Bool("dry-run", false, "with -prune, only report what would be deleted")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	_ = fs.Parse(args)

	if err := setupLogging(*logLevel); err != nil {
		return err
	}
	if *dir == "" {
		fs.Usage()
		return errors.New("-dir is required")
	}

	reg, err := persistence.OpenRegistry(*dir)
	if err != nil {
		return err
	}
	if err := listCheckpoints(os.Stdout, reg); err != nil {
		return err
	}

	if !*prune {
		return nil
	}
	kept, removed, err := reg.DeleteAllButBest(*dryRun)
	if errors.Is(err, persistence.ErrSingleCheckpoint) {
		slog.Warn("[CLI] nothing to prune", "reason", err)
		return nil
	}
	if err != nil {
		return err
	}
	verb := "removed"
	if *dryRun {
		verb = "would remove"
	}
	fmt.Printf("%s %d checkpoints, kept %s\n", verb, len(removed), kept.Path)
	return nil
}

func listCheckpoints(out io.Writer, reg *persistence.Registry) error {
	best, err := reg.Best()
	if err != nil {
		return err
	}
	latest, _ := reg.Latest()

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EPOCH\tLOSS\tPATH\t")
	for _, c := range reg.Checkpoints() {
		var tags []string
		if c == best {
			tags = append(tags, "best")
		}
		if c == latest {
			tags = append(tags, "latest")
		}
		fmt.Fprintf(w, "%d\t%.6f\t%s\t%s\n", c.Epoch, c.Loss, c.Path, strings.Join(tags, ","))
	}
	return w.Flush()
}

// syntheticBatch builds setup.num_events events of setup.num_elements
// elements. Event b has a padded tail of b/num_events of its elements so the
// masking paths are exercised. The second batch holds matching target rows.
func syntheticBatch(rng *rand.Rand, cfg config.Config) (*tensor.Batch, *tensor.Batch) {
	nev, n := cfg.Setup.NumEvents, cfg.Setup.NumElements
	f := cfg.Dataset.NumInputFeatures
	xs := make([]*mat.Dense, nev)
	ys := make([]*mat.Dense, nev)
	for b := 0; b < nev; b++ {
		valid := n - b*n/(2*nev)
		x := mat.NewDense(n, f, nil)
		y := mat.NewDense(n, 7, nil)
		for i := 0; i < valid; i++ {
			row := x.RawRowView(i)
			row[0] = float64(1 + rng.Intn(max(cfg.Dataset.NumInputClasses-1, 1)))
			// Non-negative features keep the log terms of the cms encoding finite.
			for j := 1; j < f; j++ {
				row[j] = rng.Float64()
			}
			phi := rng.Float64()*2*math.Pi - math.Pi
			y.SetRow(i, []float64{
				float64(1 + rng.Intn(max(cfg.Dataset.NumOutputClasses-1, 1))),
				float64(rng.Intn(3) - 1),
				rng.ExpFloat64(),
				rng.NormFloat64() * 2,
				math.Sin(phi),
				math.Cos(phi),
				rng.ExpFloat64() * 3,
			})
		}
		xs[b], ys[b] = x, y
	}
	x, _ := tensor.FromEvents(xs)
	y, _ := tensor.FromEvents(ys)
	return x, y
}

// regressionLoss is the mean squared error of the momentum fields over valid
// elements.
func regressionLoss(out, targets *model.Output, mask [][]float64) float64 {
	pred := out.Map()
	want := targets.Map()
	var sum, count float64
	for _, field := range []string{model.FieldPt, model.FieldEta, model.FieldSinPhi, model.FieldCosPhi, model.FieldEnergy} {
		p, t := pred[field], want[field]
		for b := range mask {
			for i, m := range mask[b] {
				if m == 0 {
					continue
				}
				d := p.At(b, i, 0) - t.At(b, i, 0)
				sum += d * d
				count++
			}
		}
	}
	if count == 0 {
		return 0
	}
	return sum / count
}

func printSummary(w io.Writer, name string, x *tensor.Batch, out *model.Output) {
	b, n, f := x.Dims()
	mask := x.Mask()
	var valid int
	for _, m := range mask {
		for _, v := range m {
			if v != 0 {
				valid++
			}
		}
	}
	fmt.Fprintf(w, "%s: %d events x %d elements x %d features, %d valid elements\n\n", name, b, n, f, valid)

	fields := out.Map()
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "FIELD\tWIDTH\tMEAN\tMIN\tMAX\t")
	for _, k := range names {
		t := fields[k]
		_, _, width := t.Dims()
		lo, hi, sum := math.Inf(1), math.Inf(-1), 0.0
		var count int
		for e := range mask {
			for i, m := range mask[e] {
				if m == 0 {
					continue
				}
				for j := 0; j < width; j++ {
					v := t.At(e, i, j)
					lo, hi = math.Min(lo, v), math.Max(hi, v)
					sum += v
					count++
				}
			}
		}
		if count == 0 {
			lo, hi = 0, 0
			count = 1
		}
		fmt.Fprintf(tw, "%s\t%d\t%.4f\t%.4f\t%.4f\t\n", k, width, sum/float64(count), lo, hi)
	}
	_ = tw.Flush()

	// Predicted class counts over valid elements.
	_, _, numClasses := out.Cls.Dims()
	counts := make([]int, numClasses)
	for e := range mask {
		for i, m := range mask[e] {
			if m == 0 {
				continue
			}
			best := 0
			for j := range counts {
				if out.Cls.At(e, i, j) > out.Cls.At(e, i, best) {
					best = j
				}
			}
			counts[best]++
		}
	}
	fmt.Fprintf(w, "\npredicted classes: %v\n", counts)
}
