// Package config loads the YAML run configuration and turns it into model
// configurations. Names (activations, convolution types, kernels, encodings)
// are kept as strings in the file and parsed exactly once, in Validate.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sanonone/pfgnn/pkg/core/conv"
	"github.com/sanonone/pfgnn/pkg/core/distance"
	"github.com/sanonone/pfgnn/pkg/core/lsh"
	"github.com/sanonone/pfgnn/pkg/core/nn"
	"github.com/sanonone/pfgnn/pkg/model"
	"github.com/sanonone/pfgnn/pkg/persistence"
	"gopkg.in/yaml.v3"
)

// Model types accepted in setup.model.
const (
	ModelPFNet      = "pfnet"
	ModelPFNetDense = "pfnet_dense"
	ModelDummyNet   = "dummy"
)

// ErrUnknownModel is returned for an unsupported setup.model value.
var ErrUnknownModel = errors.New("unknown model type")

// Config is the root of the YAML file.
type Config struct {
	Setup      SetupConfig      `yaml:"setup"`
	Dataset    DatasetConfig    `yaml:"dataset"`
	Parameters ParametersConfig `yaml:"parameters"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

type SetupConfig struct {
	Model   string `yaml:"model"` // pfnet, pfnet_dense or dummy
	Seed    int64  `yaml:"seed"`
	Lanes   int    `yaml:"lanes"`   // 0 = one per CPU core
	Weights string `yaml:"weights"` // snapshot to load after building the model

	// Shape of the synthetic batch used by the CLI.
	NumEvents   int `yaml:"num_events"`
	NumElements int `yaml:"num_elements"`
}

type DatasetConfig struct {
	NumInputFeatures int `yaml:"num_input_features"`
	NumInputClasses  int `yaml:"num_input_classes"`
	NumOutputClasses int `yaml:"num_output_classes"`
}

type ParametersConfig struct {
	PFNet      PFNetParams      `yaml:"pfnet"`
	PFNetDense PFNetDenseParams `yaml:"pfnet_dense"`
	DummyNet   DummyNetParams   `yaml:"dummy"`
}

type PFNetParams struct {
	Activation      string  `yaml:"activation"`
	HiddenDimID     int     `yaml:"hidden_dim_id"`
	HiddenDimReg    int     `yaml:"hidden_dim_reg"`
	DistanceDim     int     `yaml:"distance_dim"`
	ConvLayer       string  `yaml:"convlayer"`
	Dropout         float64 `yaml:"dropout"`
	BinSize         int     `yaml:"bin_size"`
	MaxNumBins      int     `yaml:"max_num_bins"`
	NumConvsID      int     `yaml:"num_convs_id"`
	NumConvsReg     int     `yaml:"num_convs_reg"`
	NumHiddenIDEnc  int     `yaml:"num_hidden_id_enc"`
	NumHiddenIDDec  int     `yaml:"num_hidden_id_dec"`
	NumHiddenRegEnc int     `yaml:"num_hidden_reg_enc"`
	NumHiddenRegDec int     `yaml:"num_hidden_reg_dec"`
	NumNeighbors    int     `yaml:"num_neighbors"`
	DistMult        float64 `yaml:"dist_mult"`
	SkipConnection  bool    `yaml:"skip_connection"`
	ReturnMatrix    bool    `yaml:"return_matrix"`
	MaskPolicy      string  `yaml:"mask_policy"` // ignore or overflow
}

type ConvParams struct {
	Type             string `yaml:"type"`
	Activation       string `yaml:"activation"`
	OutputDim        int    `yaml:"output_dim"`
	NormalizeDegrees bool   `yaml:"normalize_degrees"`
	HiddenDim        int    `yaml:"hidden_dim"` // MPNNNodeFunction only
	NumLayers        int    `yaml:"num_layers"` // MPNNNodeFunction only
}

type PFNetDenseParams struct {
	MaxNumBins                  int        `yaml:"max_num_bins"`
	BinSize                     int        `yaml:"bin_size"`
	DistMult                    float64    `yaml:"dist_mult"`
	DistanceDim                 int        `yaml:"distance_dim"`
	HiddenDim                   int        `yaml:"hidden_dim"`
	LayerNorm                   bool       `yaml:"layernorm"`
	ClipValueLow                float64    `yaml:"clip_value_low"`
	Activation                  string     `yaml:"activation"`
	NumConv                     int        `yaml:"num_conv"`
	NumGraphLayers              int        `yaml:"num_graph_layers"`
	Dropout                     float64    `yaml:"dropout"`
	SeparateMomentum            bool       `yaml:"separate_momentum"`
	InputEncoding               string     `yaml:"input_encoding"` // default or cms
	FocalLossFromLogits         bool       `yaml:"focal_loss_from_logits"`
	GraphKernel                 string     `yaml:"graph_kernel"`
	SkipConnection              bool       `yaml:"skip_connection"`
	RegressionUseClassification bool       `yaml:"regression_use_classification"`
	Debug                       bool       `yaml:"debug"`
	Conv                        ConvParams `yaml:"conv"`
}

type DummyNetParams struct {
	HiddenDim int `yaml:"hidden_dim"`
}

type CheckpointConfig struct {
	Root      string `yaml:"root"`      // experiments/ is created below it
	Prefix    string `yaml:"prefix"`    // experiment dir name prefix
	Precision string `yaml:"precision"` // float32, float16 or int8
	HostName  bool   `yaml:"host_name"` // append the host name to the experiment dir
}

// DefaultConfig returns a configuration that builds PFNetDense with its
// reference hyperparameters.
func DefaultConfig() Config {
	pf := model.DefaultPFNetConfig()
	dense := model.DefaultPFNetDenseConfig()
	dummy := model.DefaultDummyNetConfig()

	return Config{
		Setup: SetupConfig{
			Model:       ModelPFNetDense,
			Seed:        1,
			NumEvents:   2,
			NumElements: 640,
		},
		Dataset: DatasetConfig{
			NumInputFeatures: dense.NumInputFeatures,
			NumInputClasses:  dense.NumInputClasses,
			NumOutputClasses: dense.NumOutputClasses,
		},
		Parameters: ParametersConfig{
			PFNet: PFNetParams{
				Activation:      string(pf.Activation),
				HiddenDimID:     pf.HiddenDimID,
				HiddenDimReg:    pf.HiddenDimReg,
				DistanceDim:     pf.DistanceDim,
				ConvLayer:       pf.ConvKind.String(),
				Dropout:         pf.Dropout,
				BinSize:         pf.BinSize,
				MaxNumBins:      pf.MaxNumBins,
				NumConvsID:      pf.NumConvsID,
				NumConvsReg:     pf.NumConvsReg,
				NumHiddenIDEnc:  pf.NumHiddenIDEnc,
				NumHiddenIDDec:  pf.NumHiddenIDDec,
				NumHiddenRegEnc: pf.NumHiddenRegEnc,
				NumHiddenRegDec: pf.NumHiddenRegDec,
				NumNeighbors:    pf.NumNeighbors,
				DistMult:        pf.DistMult,
				MaskPolicy:      string(pf.MaskPolicy),
			},
			PFNetDense: PFNetDenseParams{
				MaxNumBins:                  dense.MaxNumBins,
				BinSize:                     dense.BinSize,
				DistMult:                    dense.DistMult,
				DistanceDim:                 dense.DistanceDim,
				HiddenDim:                   dense.HiddenDim,
				LayerNorm:                   dense.LayerNorm,
				ClipValueLow:                dense.ClipValueLow,
				Activation:                  string(dense.Activation),
				NumConv:                     dense.NumConv,
				NumGraphLayers:              dense.NumGSL,
				Dropout:                     dense.Dropout,
				SeparateMomentum:            dense.SeparateMomentum,
				InputEncoding:               string(dense.InputEncoding),
				FocalLossFromLogits:         dense.FocalLossFromLogits,
				GraphKernel:                 string(dense.GraphKernel),
				SkipConnection:              dense.SkipConnection,
				RegressionUseClassification: dense.RegressionUseClassification,
				Conv: ConvParams{
					Type:             dense.Conv.Kind.String(),
					Activation:       string(dense.Conv.Activation),
					OutputDim:        dense.Conv.OutputDim,
					NormalizeDegrees: dense.Conv.NormalizeDegrees,
				},
			},
			DummyNet: DummyNetParams{HiddenDim: dummy.HiddenDim},
		},
		Checkpoint: CheckpointConfig{
			Root:      ".",
			Precision: persistence.Float32.String(),
		},
	}
}

// LoadConfig reads the YAML configuration file on top of DefaultConfig using
// strict parsing. An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("YAML syntax error in config: %w", err)
	}
	return cfg, nil
}

// ApplyOverrides replaces configured values with command-line ones. Zero
// values leave the configuration untouched.
func (c *Config) ApplyOverrides(weights string, lanes int) {
	if weights != "" {
		c.Setup.Weights = weights
	}
	if lanes > 0 {
		c.Setup.Lanes = lanes
	}
}

// Validate checks every section that takes part in building the selected
// model, plus the checkpoint section.
func (c Config) Validate() error {
	var errs []error
	if c.Setup.Lanes < 0 {
		errs = append(errs, fmt.Errorf("setup.lanes must not be negative, got %d", c.Setup.Lanes))
	}
	errs = append(errs,
		positive("setup.num_events", c.Setup.NumEvents),
		positive("setup.num_elements", c.Setup.NumElements),
		positive("dataset.num_input_features", c.Dataset.NumInputFeatures),
		positive("dataset.num_input_classes", c.Dataset.NumInputClasses),
		positive("dataset.num_output_classes", c.Dataset.NumOutputClasses),
	)
	if _, err := persistence.ParsePrecision(c.Checkpoint.Precision); err != nil {
		errs = append(errs, fmt.Errorf("checkpoint.precision: %w", err))
	}

	var err error
	switch c.Setup.Model {
	case ModelPFNet:
		_, err = c.PFNetConfig()
	case ModelPFNetDense:
		_, err = c.PFNetDenseConfig()
	case ModelDummyNet:
		_, err = c.DummyNetConfig()
	default:
		err = fmt.Errorf("setup.model: %w: %q", ErrUnknownModel, c.Setup.Model)
	}
	errs = append(errs, err)
	return errors.Join(errs...)
}

// Precision returns the parsed checkpoint precision.
func (c Config) Precision() (persistence.Precision, error) {
	return persistence.ParsePrecision(c.Checkpoint.Precision)
}

// PFNetConfig converts the pfnet section.
func (c Config) PFNetConfig() (model.PFNetConfig, error) {
	p := c.Parameters.PFNet
	var errs []error

	act, err := nn.ParseActivation(p.Activation)
	errs = append(errs, wrap("parameters.pfnet.activation", err))
	kind, err := conv.ParseKind(p.ConvLayer)
	errs = append(errs, wrap("parameters.pfnet.convlayer", err))
	policy, err := lsh.ParseMaskPolicy(p.MaskPolicy)
	errs = append(errs, wrap("parameters.pfnet.mask_policy", err))

	errs = append(errs,
		positive("parameters.pfnet.hidden_dim_id", p.HiddenDimID),
		positive("parameters.pfnet.hidden_dim_reg", p.HiddenDimReg),
		positive("parameters.pfnet.distance_dim", p.DistanceDim),
		positive("parameters.pfnet.bin_size", p.BinSize),
		positive("parameters.pfnet.max_num_bins", p.MaxNumBins),
		positive("parameters.pfnet.num_neighbors", p.NumNeighbors),
		nonNegative("parameters.pfnet.num_convs_id", p.NumConvsID),
		nonNegative("parameters.pfnet.num_convs_reg", p.NumConvsReg),
		nonNegative("parameters.pfnet.num_hidden_id_enc", p.NumHiddenIDEnc),
		nonNegative("parameters.pfnet.num_hidden_id_dec", p.NumHiddenIDDec),
		nonNegative("parameters.pfnet.num_hidden_reg_enc", p.NumHiddenRegEnc),
		nonNegative("parameters.pfnet.num_hidden_reg_dec", p.NumHiddenRegDec),
		dropout("parameters.pfnet.dropout", p.Dropout),
	)
	if p.NumNeighbors > p.BinSize {
		errs = append(errs, fmt.Errorf("parameters.pfnet.num_neighbors (%d) must not exceed bin_size (%d)", p.NumNeighbors, p.BinSize))
	}
	if err := errors.Join(errs...); err != nil {
		return model.PFNetConfig{}, err
	}

	return model.PFNetConfig{
		NumInputFeatures: c.Dataset.NumInputFeatures,
		NumInputClasses:  c.Dataset.NumInputClasses,
		NumOutputClasses: c.Dataset.NumOutputClasses,
		Activation:       act,
		HiddenDimID:      p.HiddenDimID,
		HiddenDimReg:     p.HiddenDimReg,
		DistanceDim:      p.DistanceDim,
		ConvKind:         kind,
		Dropout:          p.Dropout,
		BinSize:          p.BinSize,
		MaxNumBins:       p.MaxNumBins,
		NumConvsID:       p.NumConvsID,
		NumConvsReg:      p.NumConvsReg,
		NumHiddenIDEnc:   p.NumHiddenIDEnc,
		NumHiddenIDDec:   p.NumHiddenIDDec,
		NumHiddenRegEnc:  p.NumHiddenRegEnc,
		NumHiddenRegDec:  p.NumHiddenRegDec,
		NumNeighbors:     p.NumNeighbors,
		DistMult:         p.DistMult,
		SkipConnection:   p.SkipConnection,
		ReturnMatrix:     p.ReturnMatrix,
		MaskPolicy:       policy,
		Lanes:            c.Setup.Lanes,
		Seed:             c.Setup.Seed,
	}, nil
}

// PFNetDenseConfig converts the pfnet_dense section.
func (c Config) PFNetDenseConfig() (model.PFNetDenseConfig, error) {
	p := c.Parameters.PFNetDense
	var errs []error

	act, err := nn.ParseActivation(p.Activation)
	errs = append(errs, wrap("parameters.pfnet_dense.activation", err))
	convAct, err := nn.ParseActivation(p.Conv.Activation)
	errs = append(errs, wrap("parameters.pfnet_dense.conv.activation", err))
	kind, err := conv.ParseKind(p.Conv.Type)
	errs = append(errs, wrap("parameters.pfnet_dense.conv.type", err))
	if err == nil && kind == conv.GHConv {
		errs = append(errs, fmt.Errorf("parameters.pfnet_dense.conv.type: %s runs over the sparse graph only", kind))
	}
	kernel, err := distance.ParseKernel(p.GraphKernel)
	errs = append(errs, wrap("parameters.pfnet_dense.graph_kernel", err))
	if _, err := model.NewEncoding(model.EncodingName(p.InputEncoding), c.Dataset.NumInputClasses); err != nil {
		errs = append(errs, wrap("parameters.pfnet_dense.input_encoding", err))
	}

	errs = append(errs,
		positive("parameters.pfnet_dense.max_num_bins", p.MaxNumBins),
		positive("parameters.pfnet_dense.bin_size", p.BinSize),
		positive("parameters.pfnet_dense.distance_dim", p.DistanceDim),
		positive("parameters.pfnet_dense.hidden_dim", p.HiddenDim),
		positive("parameters.pfnet_dense.num_graph_layers", p.NumGraphLayers),
		nonNegative("parameters.pfnet_dense.num_conv", p.NumConv),
		nonNegative("parameters.pfnet_dense.conv.output_dim", p.Conv.OutputDim),
		nonNegative("parameters.pfnet_dense.conv.hidden_dim", p.Conv.HiddenDim),
		nonNegative("parameters.pfnet_dense.conv.num_layers", p.Conv.NumLayers),
		dropout("parameters.pfnet_dense.dropout", p.Dropout),
	)
	if err := errors.Join(errs...); err != nil {
		return model.PFNetDenseConfig{}, err
	}

	return model.PFNetDenseConfig{
		NumInputFeatures:            c.Dataset.NumInputFeatures,
		NumInputClasses:             c.Dataset.NumInputClasses,
		NumOutputClasses:            c.Dataset.NumOutputClasses,
		MaxNumBins:                  p.MaxNumBins,
		BinSize:                     p.BinSize,
		DistMult:                    p.DistMult,
		DistanceDim:                 p.DistanceDim,
		HiddenDim:                   p.HiddenDim,
		LayerNorm:                   p.LayerNorm,
		ClipValueLow:                p.ClipValueLow,
		Activation:                  act,
		NumConv:                     p.NumConv,
		NumGSL:                      p.NumGraphLayers,
		Dropout:                     p.Dropout,
		SeparateMomentum:            p.SeparateMomentum,
		InputEncoding:               model.EncodingName(p.InputEncoding),
		FocalLossFromLogits:         p.FocalLossFromLogits,
		GraphKernel:                 kernel,
		SkipConnection:              p.SkipConnection,
		RegressionUseClassification: p.RegressionUseClassification,
		Conv: conv.Config{
			Kind:             kind,
			Activation:       convAct,
			OutputDim:        p.Conv.OutputDim,
			NormalizeDegrees: p.Conv.NormalizeDegrees,
			HiddenDim:        p.Conv.HiddenDim,
			NumLayers:        p.Conv.NumLayers,
		},
		Debug: p.Debug,
		Lanes: c.Setup.Lanes,
		Seed:  c.Setup.Seed,
	}, nil
}

// DummyNetConfig converts the dummy section.
func (c Config) DummyNetConfig() (model.DummyNetConfig, error) {
	if err := positive("parameters.dummy.hidden_dim", c.Parameters.DummyNet.HiddenDim); err != nil {
		return model.DummyNetConfig{}, err
	}
	return model.DummyNetConfig{
		NumInputFeatures: c.Dataset.NumInputFeatures,
		NumInputClasses:  c.Dataset.NumInputClasses,
		NumOutputClasses: c.Dataset.NumOutputClasses,
		HiddenDim:        c.Parameters.DummyNet.HiddenDim,
		Lanes:            c.Setup.Lanes,
		Seed:             c.Setup.Seed,
	}, nil
}

// BuildModel validates the configuration, builds the selected model and,
// when setup.weights is set, loads its parameters from that snapshot.
func (c Config) BuildModel() (model.Model, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var m model.Model
	switch c.Setup.Model {
	case ModelPFNet:
		cfg, _ := c.PFNetConfig()
		pf, err := model.NewPFNet(cfg)
		if err != nil {
			return nil, err
		}
		m = pf
	case ModelPFNetDense:
		cfg, _ := c.PFNetDenseConfig()
		dense, err := model.NewPFNetDense(cfg)
		if err != nil {
			return nil, err
		}
		m = dense
	case ModelDummyNet:
		cfg, _ := c.DummyNetConfig()
		dummy, err := model.NewDummyNet(cfg)
		if err != nil {
			return nil, err
		}
		m = dummy
	}

	if c.Setup.Weights != "" {
		if _, err := persistence.LoadFile(c.Setup.Weights, m.Params()); err != nil {
			return nil, fmt.Errorf("failed to load weights: %w", err)
		}
	}
	return m, nil
}

func positive(field string, v int) error {
	if v <= 0 {
		return fmt.Errorf("%s must be positive, got %d", field, v)
	}
	return nil
}

func nonNegative(field string, v int) error {
	if v < 0 {
		return fmt.Errorf("%s must not be negative, got %d", field, v)
	}
	return nil
}

func dropout(field string, v float64) error {
	if v < 0 || v >= 1 {
		return fmt.Errorf("%s must be in [0, 1), got %v", field, v)
	}
	return nil
}

func wrap(field string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", field, err)
}
