// Package tree defines the SSPI item hierarchy: metadata documents, the
// validated tree built from them, its canonical form and content hash, and
// the per-indicator fingerprints used for change detection.
package tree

import (
	"encoding/json"
	"sort"

	"github.com/sspi-data/sspi/pkg/scorefn"
)

// Kind is the tag of an item node.
type Kind string

const (
	KindSSPI      Kind = "SSPI"
	KindPillar    Kind = "Pillar"
	KindCategory  Kind = "Category"
	KindIndicator Kind = "Indicator"
)

// Depth returns the fixed depth of the kind in the tree, or -1 if unknown.
func (k Kind) Depth() int {
	switch k {
	case KindSSPI:
		return 0
	case KindPillar:
		return 1
	case KindCategory:
		return 2
	case KindIndicator:
		return 3
	default:
		return -1
	}
}

// Child returns the kind expected one level below k.
func (k Kind) Child() Kind {
	switch k {
	case KindSSPI:
		return KindPillar
	case KindPillar:
		return KindCategory
	case KindCategory:
		return KindIndicator
	default:
		return ""
	}
}

// Limits on the size of a configuration.
const (
	MaxPillars    = 10
	MaxCategories = 50
	MaxIndicators = 500
)

// Document is one item of the metadata registry as submitted by a user or
// stored for the default configuration.
type Document struct {
	ItemType      string   `json:"ItemType"`
	ItemCode      string   `json:"ItemCode"`
	ItemName      string   `json:"ItemName"`
	Children      []string `json:"Children,omitempty"`
	PillarCode    string   `json:"PillarCode,omitempty"`
	CategoryCode  string   `json:"CategoryCode,omitempty"`
	DatasetCodes  []string `json:"DatasetCodes,omitempty"`
	ScoreFunction string   `json:"ScoreFunction,omitempty"`
	LowerGoalpost *float64 `json:"LowerGoalpost,omitempty"`
	UpperGoalpost *float64 `json:"UpperGoalpost,omitempty"`
	Unit          string   `json:"Unit,omitempty"`
}

// Submission is a custom configuration as received: the metadata documents
// plus an opaque action log that never affects scoring.
type Submission struct {
	Metadata  []Document      `json:"metadata"`
	ActionLog json.RawMessage `json:"action_log,omitempty"`
}

// IndicatorSpec is the scoring definition carried by an indicator.
type IndicatorSpec struct {
	Code          string
	DatasetCodes  []string // sorted
	Function      *scorefn.Function
	LowerGoalpost *float64
	UpperGoalpost *float64
	Unit          string
}

// Node is an item of the validated tree. Children are sorted by code.
type Node struct {
	Kind      Kind
	Code      string
	Name      string
	Children  []*Node
	Indicator *IndicatorSpec // set only for KindIndicator
}

// Walk visits n and its descendants depth-first in canonical order. Returning
// a non-nil error stops the walk.
func (n *Node) Walk(fn func(n *Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := c.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Visitor receives one callback per node kind.
type Visitor struct {
	SSPI      func(n *Node) error
	Pillar    func(n *Node) error
	Category  func(n *Node) error
	Indicator func(n *Node) error
}

// PostOrder visits the tree bottom-up (children before parents), dispatching
// on the node kind. Nil callbacks are skipped.
func (n *Node) PostOrder(v Visitor) error {
	for _, c := range n.Children {
		if err := c.PostOrder(v); err != nil {
			return err
		}
	}
	var fn func(*Node) error
	switch n.Kind {
	case KindSSPI:
		fn = v.SSPI
	case KindPillar:
		fn = v.Pillar
	case KindCategory:
		fn = v.Category
	case KindIndicator:
		fn = v.Indicator
	}
	if fn == nil {
		return nil
	}
	return fn(n)
}

// Fingerprint identifies an indicator's scoring definition.
type Fingerprint struct {
	Hash         string   `json:"hash"`
	DatasetCodes []string `json:"dataset_codes"`
}

// Diff is the indicator-level difference between a baseline and a custom
// configuration. All slices are sorted by code.
type Diff struct {
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Modified  []string `json:"modified"`
	Unchanged []string `json:"unchanged"`
}

// Changed reports whether the indicator must be recomputed.
func (d *Diff) Changed(code string) bool {
	i := sort.SearchStrings(d.Unchanged, code)
	return i == len(d.Unchanged) || d.Unchanged[i] != code
}
