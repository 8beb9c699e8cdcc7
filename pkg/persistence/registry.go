package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
)

var (
	// ErrNoCheckpoints is returned when the weights directory holds no checkpoints.
	ErrNoCheckpoints = errors.New("no checkpoints found")
	// ErrSingleCheckpoint is returned by DeleteAllButBest when there is nothing to prune.
	ErrSingleCheckpoint = errors.New("only one checkpoint present")
)

// WeightsDir is the subdirectory of a run holding its checkpoints.
const WeightsDir = "weights"

var checkpointPattern = regexp.MustCompile(`^weights-(\d+)-(\d+\.\d+)\.ckpt$`)

// Checkpoint is a snapshot file written at the end of an epoch.
type Checkpoint struct {
	Path  string
	Epoch int
	Loss  float64
}

// CheckpointName formats the file name of the checkpoint of epoch with
// validation loss.
func CheckpointName(epoch int, loss float64) string {
	return fmt.Sprintf("weights-%02d-%.6f.ckpt", epoch, loss)
}

// ParseCheckpointName extracts epoch and loss from a checkpoint file name.
func ParseCheckpointName(name string) (int, float64, bool) {
	m := checkpointPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	epoch, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	loss, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, 0, false
	}
	return epoch, loss, true
}

func byLoss(a, b Checkpoint) bool {
	if a.Loss != b.Loss {
		return a.Loss < b.Loss
	}
	if a.Epoch != b.Epoch {
		return a.Epoch < b.Epoch
	}
	return a.Path < b.Path
}

func byEpoch(a, b Checkpoint) bool {
	if a.Epoch != b.Epoch {
		return a.Epoch < b.Epoch
	}
	if a.Loss != b.Loss {
		return a.Loss < b.Loss
	}
	return a.Path < b.Path
}

// Registry indexes the checkpoints of one training run by loss and by epoch.
type Registry struct {
	dir     string
	byLoss  *btree.BTreeG[Checkpoint]
	byEpoch *btree.BTreeG[Checkpoint]
}

// OpenRegistry scans <trainDir>/weights, creating it if needed.
func OpenRegistry(trainDir string) (*Registry, error) {
	dir := filepath.Join(trainDir, WeightsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create weights dir: %w", err)
	}
	r := &Registry{
		dir:     dir,
		byLoss:  btree.NewBTreeG[Checkpoint](byLoss),
		byEpoch: btree.NewBTreeG[Checkpoint](byEpoch),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan weights dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		epoch, loss, ok := ParseCheckpointName(e.Name())
		if !ok {
			continue
		}
		r.add(Checkpoint{Path: filepath.Join(dir, e.Name()), Epoch: epoch, Loss: loss})
	}
	slog.Debug("[Registry] opened", "dir", dir, "checkpoints", r.Len())
	return r, nil
}

func (r *Registry) add(c Checkpoint) {
	r.byLoss.Set(c)
	r.byEpoch.Set(c)
}

func (r *Registry) remove(c Checkpoint) {
	r.byLoss.Delete(c)
	r.byEpoch.Delete(c)
}

// Dir returns the weights directory.
func (r *Registry) Dir() string { return r.dir }

// Len returns the number of known checkpoints.
func (r *Registry) Len() int { return r.byLoss.Len() }

// Save writes a snapshot of ps for epoch and registers it.
func (r *Registry) Save(epoch int, loss float64, modelName string, ps Params, prec Precision) (Checkpoint, error) {
	if epoch < 0 || !(loss >= 0) || math.IsInf(loss, 1) {
		return Checkpoint{}, fmt.Errorf("invalid checkpoint epoch %d loss %v", epoch, loss)
	}
	c := Checkpoint{
		Path:  filepath.Join(r.dir, CheckpointName(epoch, loss)),
		Epoch: epoch,
		Loss:  loss,
	}
	if err := SaveFile(c.Path, modelName, ps, prec); err != nil {
		return Checkpoint{}, err
	}
	// Re-parse so the registered loss matches what the file name encodes.
	c.Epoch, c.Loss, _ = ParseCheckpointName(filepath.Base(c.Path))
	r.add(c)
	return c, nil
}

// Best returns the checkpoint with the smallest loss.
func (r *Registry) Best() (Checkpoint, error) {
	c, ok := r.byLoss.Min()
	if !ok {
		return Checkpoint{}, fmt.Errorf("%w in %s", ErrNoCheckpoints, r.dir)
	}
	return c, nil
}

// Latest returns the checkpoint with the highest epoch.
func (r *Registry) Latest() (Checkpoint, error) {
	c, ok := r.byEpoch.Max()
	if !ok {
		return Checkpoint{}, fmt.Errorf("%w in %s", ErrNoCheckpoints, r.dir)
	}
	return c, nil
}

// Checkpoints returns all checkpoints ordered by epoch.
func (r *Registry) Checkpoints() []Checkpoint {
	out := make([]Checkpoint, 0, r.Len())
	r.byEpoch.Scan(func(c Checkpoint) bool {
		out = append(out, c)
		return true
	})
	return out
}

// DeleteAllButBest removes every checkpoint except the one with the smallest
// loss and returns the kept and removed checkpoints. With dryRun nothing is
// deleted from disk or from the registry.
func (r *Registry) DeleteAllButBest(dryRun bool) (Checkpoint, []Checkpoint, error) {
	switch r.Len() {
	case 0:
		return Checkpoint{}, nil, fmt.Errorf("%w in %s, no deletion was made", ErrNoCheckpoints, r.dir)
	case 1:
		best, _ := r.byLoss.Min()
		return best, nil, fmt.Errorf("%w in %s, no deletion was made", ErrSingleCheckpoint, r.dir)
	}

	best, _ := r.byLoss.Min()
	var removed []Checkpoint
	r.byLoss.Scan(func(c Checkpoint) bool {
		if c != best {
			removed = append(removed, c)
		}
		return true
	})

	if !dryRun {
		for _, c := range removed {
			if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
				return best, nil, fmt.Errorf("failed to remove %s: %w", c.Path, err)
			}
			r.remove(c)
		}
	}
	slog.Info("[Registry] pruned checkpoints", "dir", r.dir, "kept", best.Path, "removed", len(removed), "dry_run", dryRun)
	return best, removed, nil
}

// CreateExperimentDir creates <root>/experiments/<prefix><timestamp>_<id>,
// where id is the first 8 characters of a random UUID. A non-empty suffix is
// appended after a dot (the CLI passes the host name).
func CreateExperimentDir(root, prefix, suffix string) (string, error) {
	stamp := strings.Replace(time.Now().Format("20060102_150405.000000"), ".", "_", 1)
	name := prefix + stamp + "_" + uuid.New().String()[:8]
	if suffix != "" {
		name += "." + suffix
	}
	dir := filepath.Join(root, "experiments", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create experiment dir: %w", err)
	}
	slog.Info("[Registry] created experiment dir", "dir", dir)
	return dir, nil
}
