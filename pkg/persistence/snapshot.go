// Package persistence stores model parameters as CRC-framed binary snapshots
// and keeps track of the checkpoints written during a run.
//
// A snapshot is a header frame followed by one frame per parameter. Values are
// stored in float32, float16 or symmetric int8 precision; loading always
// restores float64 matrices in place, matched by parameter name.
package persistence

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/sanonone/pfgnn/pkg/core/nn"
	"github.com/x448/float16"
)

const snapshotVersion uint16 = 1

var (
	// ErrUnknownPrecision is returned for an unsupported precision name or code.
	ErrUnknownPrecision = errors.New("unknown precision")
	// ErrUnknownParam is returned when a snapshot holds a parameter the model lacks.
	ErrUnknownParam = errors.New("unknown parameter")
	// ErrMissingParam is returned when a model parameter is absent from the snapshot.
	ErrMissingParam = errors.New("missing parameter")
	// ErrShapeMismatch is returned when stored and live shapes differ.
	ErrShapeMismatch = errors.New("parameter shape mismatch")
	// ErrBadSnapshot is returned for structurally invalid snapshots.
	ErrBadSnapshot = errors.New("malformed snapshot")
)

// Precision selects the on-disk value encoding.
type Precision uint8

const (
	Float32 Precision = iota
	Float16
	Int8
)

func (p Precision) String() string {
	switch p {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int8:
		return "int8"
	}
	return fmt.Sprintf("Precision(%d)", uint8(p))
}

// ParsePrecision converts a configuration string into a Precision.
func ParsePrecision(s string) (Precision, error) {
	switch s {
	case "float32", "":
		return Float32, nil
	case "float16":
		return Float16, nil
	case "int8":
		return Int8, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPrecision, s)
}

// Params is the parameter source of a snapshot. *model.ParamSet satisfies it.
type Params interface {
	All() []nn.Param
}

// Header describes a snapshot.
type Header struct {
	Version   uint16
	Precision Precision
	NumParams int
	Model     string
}

// Save writes every parameter of ps to w.
func Save(w io.Writer, modelName string, ps Params, prec Precision) error {
	if prec > Int8 {
		return fmt.Errorf("%w: %d", ErrUnknownPrecision, prec)
	}
	params := ps.All()
	fw := NewFrameWriter(w)

	var hdr bytes.Buffer
	_ = binary.Write(&hdr, binary.LittleEndian, snapshotVersion)
	hdr.WriteByte(byte(prec))
	_ = binary.Write(&hdr, binary.LittleEndian, uint32(len(params)))
	writeString(&hdr, modelName)
	if err := fw.WriteFrame(OpCodeHeader, hdr.Bytes()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, p := range params {
		payload, err := encodeParam(p, prec)
		if err != nil {
			return err
		}
		if err := fw.WriteFrame(OpCodeParam, payload); err != nil {
			return fmt.Errorf("write %q: %w", p.Name, err)
		}
	}
	return nil
}

// Load reads a snapshot from r into the parameters of ps. Every snapshot
// parameter must exist in ps with the same shape and every parameter of ps
// must be present in the snapshot.
func Load(r io.Reader, ps Params) (Header, error) {
	op, payload, _, err := ReadFrame(r)
	if err != nil {
		return Header{}, fmt.Errorf("read header: %w", err)
	}
	if op != OpCodeHeader {
		return Header{}, fmt.Errorf("%w: first frame has opcode %#x", ErrBadSnapshot, op)
	}
	hdr, err := decodeHeader(payload)
	if err != nil {
		return Header{}, err
	}

	live := make(map[string]nn.Param)
	for _, p := range ps.All() {
		live[p.Name] = p
	}
	seen := make(map[string]bool, len(live))

	for i := 0; i < hdr.NumParams; i++ {
		op, payload, _, err := ReadFrame(r)
		if err == io.EOF {
			return hdr, fmt.Errorf("%w: %d of %d parameters present", ErrIncompleteFrame, i, hdr.NumParams)
		}
		if err != nil {
			return hdr, fmt.Errorf("read parameter %d: %w", i, err)
		}
		if op != OpCodeParam {
			return hdr, fmt.Errorf("%w: unexpected opcode %#x", ErrBadSnapshot, op)
		}
		name, rows, cols, values, err := decodeParam(payload, hdr.Precision)
		if err != nil {
			return hdr, err
		}
		p, ok := live[name]
		if !ok {
			return hdr, fmt.Errorf("%w: %q", ErrUnknownParam, name)
		}
		pr, pc := p.Value.Dims()
		if pr != rows || pc != cols {
			return hdr, fmt.Errorf("%w: %q stored %dx%d, model has %dx%d", ErrShapeMismatch, name, rows, cols, pr, pc)
		}
		for k := 0; k < pr; k++ {
			copy(p.Value.RawRowView(k), values[k*pc:(k+1)*pc])
		}
		seen[name] = true
	}

	for name := range live {
		if !seen[name] {
			return hdr, fmt.Errorf("%w: %q", ErrMissingParam, name)
		}
	}
	return hdr, nil
}

// SaveFile writes a snapshot to path through a temporary file that is
// synced and renamed into place.
func SaveFile(path, modelName string, ps Params, prec Precision) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	buf := bufio.NewWriter(tmp)
	if err := Save(buf, modelName, ps, prec); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := buf.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	slog.Info("[Persistence] snapshot saved", "path", path, "model", modelName, "precision", prec)
	return nil
}

// LoadFile reads the snapshot at path into ps.
func LoadFile(path string, ps Params) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	hdr, err := Load(bufio.NewReader(f), ps)
	if err != nil {
		return hdr, fmt.Errorf("%s: %w", path, err)
	}
	slog.Info("[Persistence] snapshot loaded", "path", path, "model", hdr.Model, "params", hdr.NumParams, "precision", hdr.Precision)
	return hdr, nil
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeHeader(payload []byte) (Header, error) {
	r := bytes.NewReader(payload)
	var hdr Header
	var prec uint8
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &hdr.Version); err != nil {
		return hdr, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	if hdr.Version != snapshotVersion {
		return hdr, fmt.Errorf("%w: version %d", ErrBadSnapshot, hdr.Version)
	}
	if err := binary.Read(r, binary.LittleEndian, &prec); err != nil {
		return hdr, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	hdr.Precision = Precision(prec)
	if hdr.Precision > Int8 {
		return hdr, fmt.Errorf("%w: %d", ErrUnknownPrecision, prec)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return hdr, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	hdr.NumParams = int(count)
	name, err := readString(r)
	if err != nil {
		return hdr, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	hdr.Model = name
	return hdr, nil
}

// Param payload: [name][rows u32][cols u32][values]. Int8 values are
// preceded by the float64 AbsMax of their quantizer.
func encodeParam(p nn.Param, prec Precision) ([]byte, error) {
	rows, cols := p.Value.Dims()
	values := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		values = append(values, p.Value.RawRowView(i)...)
	}

	var buf bytes.Buffer
	writeString(&buf, p.Name)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rows))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(cols))

	switch prec {
	case Float32:
		out := make([]float32, len(values))
		for i, v := range values {
			out[i] = float32(v)
		}
		_ = binary.Write(&buf, binary.LittleEndian, out)
	case Float16:
		out := make([]uint16, len(values))
		for i, v := range values {
			out[i] = float16.Fromfloat32(float32(v)).Bits()
		}
		_ = binary.Write(&buf, binary.LittleEndian, out)
	case Int8:
		var q Quantizer
		q.Train(values)
		_ = binary.Write(&buf, binary.LittleEndian, q.AbsMax)
		_ = binary.Write(&buf, binary.LittleEndian, q.Quantize(values))
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownPrecision, prec)
	}
	return buf.Bytes(), nil
}

func decodeParam(payload []byte, prec Precision) (string, int, int, []float64, error) {
	r := bytes.NewReader(payload)
	name, err := readString(r)
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("%w: %v", ErrBadSnapshot, err)
	}
	var rows, cols uint32
	if err := binary.Read(r, binary.LittleEndian, &rows); err != nil {
		return "", 0, 0, nil, fmt.Errorf("%w: %q: %v", ErrBadSnapshot, name, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &cols); err != nil {
		return "", 0, 0, nil, fmt.Errorf("%w: %q: %v", ErrBadSnapshot, name, err)
	}
	n := int(rows) * int(cols)
	if n > r.Len() {
		return "", 0, 0, nil, fmt.Errorf("%w: %q declares %dx%d values in %d bytes", ErrBadSnapshot, name, rows, cols, r.Len())
	}
	values := make([]float64, n)

	switch prec {
	case Float32:
		raw := make([]float32, n)
		if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
			return "", 0, 0, nil, fmt.Errorf("%w: %q: %v", ErrBadSnapshot, name, err)
		}
		for i, v := range raw {
			values[i] = float64(v)
		}
	case Float16:
		raw := make([]uint16, n)
		if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
			return "", 0, 0, nil, fmt.Errorf("%w: %q: %v", ErrBadSnapshot, name, err)
		}
		for i, v := range raw {
			values[i] = float64(float16.Frombits(v).Float32())
		}
	case Int8:
		var q Quantizer
		if err := binary.Read(r, binary.LittleEndian, &q.AbsMax); err != nil {
			return "", 0, 0, nil, fmt.Errorf("%w: %q: %v", ErrBadSnapshot, name, err)
		}
		if math.IsNaN(q.AbsMax) || q.AbsMax < 0 {
			return "", 0, 0, nil, fmt.Errorf("%w: %q: invalid scale %v", ErrBadSnapshot, name, q.AbsMax)
		}
		raw := make([]int8, n)
		if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
			return "", 0, 0, nil, fmt.Errorf("%w: %q: %v", ErrBadSnapshot, name, err)
		}
		values = q.Dequantize(raw)
	default:
		return "", 0, 0, nil, fmt.Errorf("%w: %d", ErrUnknownPrecision, prec)
	}
	if r.Len() != 0 {
		return "", 0, 0, nil, fmt.Errorf("%w: %q has %d trailing bytes", ErrBadSnapshot, name, r.Len())
	}
	return name, int(rows), int(cols), values, nil
}
