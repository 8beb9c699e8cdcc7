package model

import (
	"errors"
	"fmt"

	"github.com/sanonone/pfgnn/pkg/core/nn"
)

// ErrUnknownGroup is returned when a named stage references a missing layer group.
var ErrUnknownGroup = errors.New("unknown parameter group")

// StageKind identifies a training stage.
type StageKind int

const (
	StageKindAll StageKind = iota
	StageKindClassification
	StageKindRegression
	StageKindNamed
)

// Stage describes which parameter groups take part in one optimizer step.
// It is passed per call and never stored on the model.
type Stage struct {
	Kind   StageKind
	Groups []string
}

var (
	// StageAll trains every non-frozen parameter.
	StageAll = Stage{Kind: StageKindAll}
	// StageClassification trains the classification tower and heads.
	StageClassification = Stage{Kind: StageKindClassification}
	// StageRegression trains the regression tower and heads.
	StageRegression = Stage{Kind: StageKindRegression}
)

// StageNamed trains only the listed layer groups.
func StageNamed(groups ...string) Stage {
	return Stage{Kind: StageKindNamed, Groups: groups}
}

// ParamSet is the ordered set of a model's parameters, tagged by layer group.
type ParamSet struct {
	params []nn.Param
	index  map[string]int
	groups []string

	classification map[string]bool
	regression     map[string]bool
}

func newParamSet() *ParamSet {
	return &ParamSet{
		index:          make(map[string]int),
		classification: make(map[string]bool),
		regression:     make(map[string]bool),
	}
}

// add appends params. Names must be unique within a model.
func (ps *ParamSet) add(params ...nn.Param) {
	for _, p := range params {
		if _, dup := ps.index[p.Name]; dup {
			panic(fmt.Sprintf("duplicate parameter %q", p.Name))
		}
		if !ps.hasGroup(p.Group) {
			ps.groups = append(ps.groups, p.Group)
		}
		ps.index[p.Name] = len(ps.params)
		ps.params = append(ps.params, p)
	}
}

func (ps *ParamSet) hasGroup(g string) bool {
	for _, x := range ps.groups {
		if x == g {
			return true
		}
	}
	return false
}

// stageGroups records which groups the classification and regression
// stages train.
func (ps *ParamSet) stageGroups(classification, regression []string) {
	for _, g := range classification {
		ps.classification[g] = true
	}
	for _, g := range regression {
		ps.regression[g] = true
	}
}

// All returns every parameter in registration order.
func (ps *ParamSet) All() []nn.Param { return ps.params }

// Len returns the number of parameters.
func (ps *ParamSet) Len() int { return len(ps.params) }

// Groups returns the layer groups in registration order.
func (ps *ParamSet) Groups() []string { return ps.groups }

// Get returns the parameter called name.
func (ps *ParamSet) Get(name string) (nn.Param, bool) {
	i, ok := ps.index[name]
	if !ok {
		return nn.Param{}, false
	}
	return ps.params[i], true
}

// NumValues returns the total number of scalar values.
func (ps *ParamSet) NumValues() int {
	total := 0
	for _, p := range ps.params {
		r, c := p.Value.Dims()
		total += r * c
	}
	return total
}

// Trainable returns the non-frozen parameters that participate in stage.
func (ps *ParamSet) Trainable(stage Stage) ([]nn.Param, error) {
	var allowed func(group string) bool
	switch stage.Kind {
	case StageKindAll:
		allowed = func(string) bool { return true }
	case StageKindClassification:
		allowed = func(g string) bool { return ps.classification[g] }
	case StageKindRegression:
		allowed = func(g string) bool { return ps.regression[g] }
	case StageKindNamed:
		named := make(map[string]bool, len(stage.Groups))
		for _, g := range stage.Groups {
			if !ps.hasGroup(g) {
				return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, g)
			}
			named[g] = true
		}
		allowed = func(g string) bool { return named[g] }
	default:
		return nil, fmt.Errorf("unknown stage kind %d", stage.Kind)
	}

	var out []nn.Param
	for _, p := range ps.params {
		if !p.Frozen && allowed(p.Group) {
			out = append(out, p)
		}
	}
	return out, nil
}
