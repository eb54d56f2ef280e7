package scorefn

import (
	"math"
)

// node is a compiled expression. Nodes are immutable after Validate.
type node interface {
	eval(values map[string]float64) (float64, error)
	constant() bool
}

type numNode float64

func (n numNode) eval(map[string]float64) (float64, error) { return float64(n), nil }
func (n numNode) constant() bool                          { return true }

type varNode string

func (n varNode) eval(values map[string]float64) (float64, error) {
	v, ok := values[string(n)]
	if !ok {
		return 0, dataQualityErr(string(n), "no value for DatasetCode %s", string(n))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, dataQualityErr(string(n), "non-finite value for DatasetCode %s", string(n))
	}
	return v, nil
}

func (n varNode) constant() bool { return false }

type negNode struct{ x node }

func (n negNode) eval(values map[string]float64) (float64, error) {
	v, err := n.x.eval(values)
	if err != nil {
		return 0, err
	}
	return -v, nil
}

func (n negNode) constant() bool { return n.x.constant() }

type binNode struct {
	op   byte
	l, r node
}

func (n binNode) eval(values map[string]float64) (float64, error) {
	l, err := n.l.eval(values)
	if err != nil {
		return 0, err
	}
	r, err := n.r.eval(values)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case '+':
		return l + r, nil
	case '-':
		return l - r, nil
	case '*':
		return l * r, nil
	default:
		if r == 0 {
			return 0, computationErr(ErrZeroDivision, "division by zero")
		}
		return l / r, nil
	}
}

func (n binNode) constant() bool { return n.l.constant() && n.r.constant() }

type callNode struct {
	h    *helper
	args []node
}

func (n callNode) eval(values map[string]float64) (float64, error) {
	args := make([]float64, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(values)
		if err != nil {
			return 0, err
		}
		args[i] = v
	}
	return n.h.fn(args)
}

func (n callNode) constant() bool {
	for _, a := range n.args {
		if !a.constant() {
			return false
		}
	}
	return true
}

// Evaluate computes the score for one (country, year) given dataset values
// keyed by DatasetCode. values is never modified. Missing or non-finite
// inputs yield a DataQualityError; arithmetic faults and non-finite results
// yield a ComputationError.
func (f *Function) Evaluate(values map[string]float64) (float64, error) {
	for _, code := range f.datasets {
		if _, err := varNode(code).eval(values); err != nil {
			return 0, err
		}
	}
	v, err := f.prog.eval(values)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, computationErr(nil, "result is not a finite number")
	}
	return v, nil
}
