package persistence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sanonone/pfgnn/pkg/core/nn"
	"gonum.org/v1/gonum/mat"
)

type paramList []nn.Param

func (l paramList) All() []nn.Param { return l }

func randomParams(seed int64) paramList {
	rng := rand.New(rand.NewSource(seed))
	w := mat.NewDense(4, 3, nil)
	nn.InitRandomNormal(w, 0.5, rng)
	b := mat.NewDense(1, 3, nil)
	nn.InitRandomNormal(b, 0.5, rng)
	codebook := mat.NewDense(3, 2, nil)
	nn.InitRandomNormal(codebook, 1, rng)
	return paramList{
		{Name: "ffn/dense0/kernel", Group: "ffn", Value: w},
		{Name: "ffn/dense0/bias", Group: "ffn", Value: b},
		{Name: "dist/lsh_projections", Group: "dist", Value: codebook, Frozen: true},
	}
}

func zeroLike(src paramList) paramList {
	out := make(paramList, len(src))
	for i, p := range src {
		r, c := p.Value.Dims()
		out[i] = nn.Param{Name: p.Name, Group: p.Group, Value: mat.NewDense(r, c, nil), Frozen: p.Frozen}
	}
	return out
}

func TestFrameRoundTripAndCorruption(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	if err := fw.WriteFrame(OpCodeParam, []byte("payload")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	raw := buf.Bytes()

	op, payload, n, err := ReadFrame(bytes.NewReader(raw))
	if err != nil || op != OpCodeParam || string(payload) != "payload" || n != HeaderSize+7 {
		t.Fatalf("ReadFrame = (%#x, %q, %d, %v)", op, payload, n, err)
	}

	if _, _, _, err := ReadFrame(bytes.NewReader(nil)); err != io.EOF {
		t.Errorf("empty stream: expected io.EOF, got %v", err)
	}
	if _, _, _, err := ReadFrame(bytes.NewReader(raw[:HeaderSize+3])); !errors.Is(err, ErrIncompleteFrame) {
		t.Errorf("truncated payload: expected ErrIncompleteFrame, got %v", err)
	}

	corrupt := append([]byte(nil), raw...)
	corrupt[len(corrupt)-1] ^= 0xFF
	if _, _, _, err := ReadFrame(bytes.NewReader(corrupt)); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("flipped byte: expected ErrChecksumMismatch, got %v", err)
	}

	badMagic := append([]byte(nil), raw...)
	badMagic[0] = 0x00
	if _, _, _, err := ReadFrame(bytes.NewReader(badMagic)); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("bad magic: expected ErrInvalidMagic, got %v", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	header := make([]byte, HeaderSize)
	header[0] = MagicByte
	header[1] = OpCodeParam
	binary.LittleEndian.PutUint32(header[2:6], 0xFFFFFFFF)
	_, _, n, err := ReadFrame(bytes.NewReader(header))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if n != HeaderSize {
		t.Errorf("consumed %d bytes, want %d", n, HeaderSize)
	}
}

func TestQuantizer(t *testing.T) {
	q := &Quantizer{}
	values := []float64{-1, -0.5, 0, 0.25, 1}
	q.Train(values)
	if q.AbsMax != 1 {
		t.Fatalf("AbsMax = %v, want 1", q.AbsMax)
	}
	back := q.Dequantize(q.Quantize(values))
	for i := range values {
		if math.Abs(back[i]-values[i]) > 1.0/127 {
			t.Errorf("value %d: %v -> %v", i, values[i], back[i])
		}
	}

	q.AbsMax = 0.5
	if got := q.Quantize([]float64{10, -10}); got[0] != 127 || got[1] != -127 {
		t.Errorf("out-of-range values not clipped: %v", got)
	}

	var zero Quantizer
	if got := zero.Dequantize(zero.Quantize([]float64{3})); got[0] != 0 {
		t.Errorf("untrained quantizer should map to zero, got %v", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	tests := []struct {
		prec Precision
		tol  float64
	}{
		{Float32, 1e-6},
		{Float16, 5e-3},
		{Int8, 0.05},
	}
	for _, tt := range tests {
		t.Run(tt.prec.String(), func(t *testing.T) {
			src := randomParams(1)
			var buf bytes.Buffer
			if err := Save(&buf, "PFNetDense", src, tt.prec); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			dst := zeroLike(src)
			hdr, err := Load(&buf, dst)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if hdr.Model != "PFNetDense" || hdr.Precision != tt.prec || hdr.NumParams != len(src) {
				t.Errorf("unexpected header %+v", hdr)
			}
			for i := range src {
				if !mat.EqualApprox(src[i].Value, dst[i].Value, tt.tol) {
					t.Errorf("%s differs beyond %v", src[i].Name, tt.tol)
				}
			}
		})
	}
}

func TestLoadValidation(t *testing.T) {
	src := randomParams(2)
	var buf bytes.Buffer
	if err := Save(&buf, "m", src, Float32); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	raw := buf.Bytes()

	t.Run("shape mismatch", func(t *testing.T) {
		dst := zeroLike(src)
		dst[0].Value = mat.NewDense(3, 4, nil)
		if _, err := Load(bytes.NewReader(raw), dst); !errors.Is(err, ErrShapeMismatch) {
			t.Fatalf("expected ErrShapeMismatch, got %v", err)
		}
	})
	t.Run("unknown parameter", func(t *testing.T) {
		dst := zeroLike(src)[:2]
		if _, err := Load(bytes.NewReader(raw), dst); !errors.Is(err, ErrUnknownParam) {
			t.Fatalf("expected ErrUnknownParam, got %v", err)
		}
	})
	t.Run("missing parameter", func(t *testing.T) {
		dst := append(zeroLike(src), nn.Param{Name: "extra", Group: "x", Value: mat.NewDense(1, 1, nil)})
		if _, err := Load(bytes.NewReader(raw), dst); !errors.Is(err, ErrMissingParam) {
			t.Fatalf("expected ErrMissingParam, got %v", err)
		}
	})
	t.Run("truncated", func(t *testing.T) {
		if _, err := Load(bytes.NewReader(raw[:len(raw)-4]), zeroLike(src)); !errors.Is(err, ErrIncompleteFrame) {
			t.Fatalf("expected ErrIncompleteFrame, got %v", err)
		}
	})
	t.Run("unknown precision", func(t *testing.T) {
		if err := Save(io.Discard, "m", src, Precision(9)); !errors.Is(err, ErrUnknownPrecision) {
			t.Fatalf("expected ErrUnknownPrecision, got %v", err)
		}
		if _, err := ParsePrecision("bfloat16"); !errors.Is(err, ErrUnknownPrecision) {
			t.Fatalf("expected ErrUnknownPrecision, got %v", err)
		}
	})
}

func TestSaveFileLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.ckpt")
	src := randomParams(3)
	if err := SaveFile(path, "PFNet", src, Float16); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected only the snapshot in dir, found %d entries", len(entries))
	}
	dst := zeroLike(src)
	if _, err := LoadFile(path, dst); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if !mat.EqualApprox(src[2].Value, dst[2].Value, 5e-3) {
		t.Error("frozen codebook not restored")
	}
}

func TestCheckpointNames(t *testing.T) {
	name := CheckpointName(7, 1.234567)
	if name != "weights-07-1.234567.ckpt" {
		t.Fatalf("CheckpointName = %q", name)
	}
	epoch, loss, ok := ParseCheckpointName(name)
	if !ok || epoch != 7 || loss != 1.234567 {
		t.Fatalf("ParseCheckpointName = (%d, %v, %v)", epoch, loss, ok)
	}
	for _, bad := range []string{"weights-07.ckpt", "model.ckpt", "weights-07-1.2.hdf5"} {
		if _, _, ok := ParseCheckpointName(bad); ok {
			t.Errorf("%q should not parse", bad)
		}
	}
}

func TestRegistry(t *testing.T) {
	trainDir := t.TempDir()
	reg, err := OpenRegistry(trainDir)
	if err != nil {
		t.Fatalf("OpenRegistry failed: %v", err)
	}
	if _, err := reg.Best(); !errors.Is(err, ErrNoCheckpoints) {
		t.Fatalf("expected ErrNoCheckpoints, got %v", err)
	}
	if _, _, err := reg.DeleteAllButBest(false); !errors.Is(err, ErrNoCheckpoints) {
		t.Fatalf("expected ErrNoCheckpoints, got %v", err)
	}

	ps := randomParams(4)
	losses := []float64{0.9, 0.4, 0.6}
	for epoch, loss := range losses {
		if _, err := reg.Save(epoch+1, loss, "m", ps, Float32); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if epoch == 0 {
			if _, _, err := reg.DeleteAllButBest(false); !errors.Is(err, ErrSingleCheckpoint) {
				t.Fatalf("expected ErrSingleCheckpoint, got %v", err)
			}
		}
	}
	if _, err := reg.Save(4, -1, "m", ps, Float32); err == nil {
		t.Fatal("negative loss should be rejected")
	}

	// A stray file does not register.
	if err := os.WriteFile(filepath.Join(reg.Dir(), "notes.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenRegistry(trainDir)
	if err != nil {
		t.Fatalf("OpenRegistry failed: %v", err)
	}
	if reopened.Len() != 3 {
		t.Fatalf("reopened registry has %d checkpoints, want 3", reopened.Len())
	}
	best, _ := reopened.Best()
	if best.Epoch != 2 || best.Loss != 0.4 {
		t.Errorf("Best = %+v", best)
	}
	latest, _ := reopened.Latest()
	if latest.Epoch != 3 {
		t.Errorf("Latest = %+v", latest)
	}

	kept, removed, err := reopened.DeleteAllButBest(true)
	if err != nil || kept != best || len(removed) != 2 {
		t.Fatalf("dry run = (%+v, %d, %v)", kept, len(removed), err)
	}
	if reopened.Len() != 3 {
		t.Fatal("dry run must not touch the registry")
	}

	if _, _, err := reopened.DeleteAllButBest(false); err != nil {
		t.Fatalf("DeleteAllButBest failed: %v", err)
	}
	if cks := reopened.Checkpoints(); len(cks) != 1 || cks[0] != best {
		t.Fatalf("remaining checkpoints %+v", cks)
	}
	for _, c := range removed {
		if _, err := os.Stat(c.Path); !os.IsNotExist(err) {
			t.Errorf("%s still on disk", c.Path)
		}
	}
	if _, err := LoadFile(best.Path, zeroLike(ps)); err != nil {
		t.Errorf("best checkpoint unreadable: %v", err)
	}
}

func TestCreateExperimentDir(t *testing.T) {
	root := t.TempDir()
	a, err := CreateExperimentDir(root, "pfnet_", "host1")
	if err != nil {
		t.Fatalf("CreateExperimentDir failed: %v", err)
	}
	b, err := CreateExperimentDir(root, "pfnet_", "")
	if err != nil {
		t.Fatalf("CreateExperimentDir failed: %v", err)
	}
	if a == b {
		t.Fatal("experiment dirs must be unique")
	}
	if base := filepath.Base(a); !strings.HasPrefix(base, "pfnet_") || !strings.HasSuffix(base, ".host1") {
		t.Errorf("unexpected dir name %q", base)
	}
	if filepath.Dir(a) != filepath.Join(root, "experiments") {
		t.Errorf("dir %q not under experiments/", a)
	}
	if fi, err := os.Stat(b); err != nil || !fi.IsDir() {
		t.Errorf("dir %q not created", b)
	}
}
