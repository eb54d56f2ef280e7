package tree

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/sspi-data/sspi/pkg/scorefn"
)

var itemCode = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,31}$`)

// StructureError reports a metadata document that violates the hierarchy.
type StructureError struct {
	Code string
	Msg  string
}

func (e *StructureError) Error() string {
	if e.Code == "" {
		return "StructureError: " + e.Msg
	}
	return fmt.Sprintf("StructureError: %s: %s", e.Code, e.Msg)
}

func structErr(code, format string, args ...any) *StructureError {
	return &StructureError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Options controls Build.
type Options struct {
	// KnownDatasets, when non-nil, restricts DatasetCodes to this set.
	KnownDatasets map[string]bool
}

// Config is a validated configuration tree. It is immutable and safe for
// concurrent use.
type Config struct {
	Root       *Node
	ActionLog  json.RawMessage
	indicators []*Node
	byCode     map[string]*Node
	canonical  []byte
	hash       string
}

// Hash returns the configuration hash.
func (c *Config) Hash() string { return c.hash }

// Canonical returns a copy of the canonical byte form.
func (c *Config) Canonical() []byte {
	out := make([]byte, len(c.canonical))
	copy(out, c.canonical)
	return out
}

// Indicators returns indicator nodes in canonical depth-first order.
func (c *Config) Indicators() []*Node {
	out := make([]*Node, len(c.indicators))
	copy(out, c.indicators)
	return out
}

// Item returns the node with the given code.
func (c *Config) Item(code string) (*Node, bool) {
	n, ok := c.byCode[code]
	return n, ok
}

// Build validates metadata documents and assembles the item tree. Every
// problem found is returned; the Config is nil whenever errors are present.
// Score-function failures are *scorefn.Error values wrapped with the
// indicator code; everything else is a *StructureError.
func Build(docs []Document, opts Options) (*Config, []error) {
	var errs []error
	add := func(err error) { errs = append(errs, err) }

	byCode := make(map[string]*Document, len(docs))
	counts := map[Kind]int{}
	var roots []string
	for i := range docs {
		d := &docs[i]
		kind := Kind(d.ItemType)
		switch {
		case kind.Depth() < 0:
			add(structErr(d.ItemCode, "unknown ItemType %q", d.ItemType))
			continue
		case d.ItemCode == "":
			add(structErr("", "document %d: missing ItemCode", i))
			continue
		case !validCode(d.ItemCode):
			add(structErr(d.ItemCode, "code must be uppercase ASCII letters, digits or single underscores"))
			continue
		}
		if _, dup := byCode[d.ItemCode]; dup {
			add(structErr(d.ItemCode, "duplicate ItemCode"))
			continue
		}
		if strings.TrimSpace(d.ItemName) == "" {
			add(structErr(d.ItemCode, "missing ItemName"))
		}
		byCode[d.ItemCode] = d
		counts[kind]++
		if kind == KindSSPI {
			roots = append(roots, d.ItemCode)
		}
	}

	switch {
	case counts[KindPillar] > MaxPillars:
		add(structErr("", "%d pillars exceeds limit of %d", counts[KindPillar], MaxPillars))
	case counts[KindCategory] > MaxCategories:
		add(structErr("", "%d categories exceeds limit of %d", counts[KindCategory], MaxCategories))
	case counts[KindIndicator] > MaxIndicators:
		add(structErr("", "%d indicators exceeds limit of %d", counts[KindIndicator], MaxIndicators))
	}
	if len(roots) != 1 {
		add(structErr("", "expected exactly one SSPI root, found %d", len(roots)))
		return nil, errs
	}

	b := &builder{docs: byCode, opts: opts, parent: map[string]string{}}
	root := b.node(byCode[roots[0]], "")
	errs = append(errs, b.errs...)

	// Every non-root item must be reachable from the root.
	for code, d := range byCode {
		if Kind(d.ItemType) == KindSSPI {
			continue
		}
		if _, ok := b.parent[code]; !ok {
			errs = append(errs, structErr(code, "%s is not a child of any %s", d.ItemType, parentKind(Kind(d.ItemType))))
		}
	}
	if len(errs) > 0 {
		sortErrors(errs)
		return nil, errs
	}

	cfg := &Config{Root: root, byCode: map[string]*Node{}}
	_ = root.Walk(func(n *Node) error {
		cfg.byCode[n.Code] = n
		if n.Kind == KindIndicator {
			cfg.indicators = append(cfg.indicators, n)
		}
		return nil
	})
	cfg.canonical = encodeCanonical(root)
	cfg.hash = Hash(cfg.canonical)
	return cfg, nil
}

// WithActionLog returns a shallow copy of c carrying the given action log.
// The log does not affect the hash.
func (c *Config) WithActionLog(log json.RawMessage) *Config {
	cp := *c
	cp.ActionLog = log
	return &cp
}

type builder struct {
	docs   map[string]*Document
	opts   Options
	parent map[string]string
	errs   []error
}

func (b *builder) fail(err error) { b.errs = append(b.errs, err) }

func (b *builder) node(d *Document, parent string) *Node {
	kind := Kind(d.ItemType)
	n := &Node{Kind: kind, Code: d.ItemCode, Name: d.ItemName}

	switch kind {
	case KindPillar:
	case KindCategory:
		if d.PillarCode != "" && d.PillarCode != parent {
			b.fail(structErr(d.ItemCode, "PillarCode %s does not match parent %s", d.PillarCode, parent))
		}
	case KindIndicator:
		if d.CategoryCode != "" && d.CategoryCode != parent {
			b.fail(structErr(d.ItemCode, "CategoryCode %s does not match parent %s", d.CategoryCode, parent))
		}
		if len(d.Children) > 0 {
			b.fail(structErr(d.ItemCode, "indicators cannot have children"))
		}
		n.Indicator = b.indicator(d)
		return n
	}

	want := kind.Child()
	if len(d.Children) == 0 {
		b.fail(structErr(d.ItemCode, "%s must have at least one %s", kind, want))
	}
	seen := map[string]bool{}
	for _, code := range d.Children {
		if seen[code] {
			b.fail(structErr(d.ItemCode, "duplicate child %s", code))
			continue
		}
		seen[code] = true
		child, ok := b.docs[code]
		if !ok {
			b.fail(structErr(d.ItemCode, "missing child %s", code))
			continue
		}
		if Kind(child.ItemType) != want {
			b.fail(structErr(d.ItemCode, "child %s is a %s, expected %s", code, child.ItemType, want))
			continue
		}
		if owner, claimed := b.parent[code]; claimed {
			b.fail(structErr(code, "claimed by both %s and %s", owner, d.ItemCode))
			continue
		}
		b.parent[code] = d.ItemCode
		n.Children = append(n.Children, b.node(child, d.ItemCode))
	}
	sort.Slice(n.Children, func(i, j int) bool { return n.Children[i].Code < n.Children[j].Code })
	return n
}

func (b *builder) indicator(d *Document) *IndicatorSpec {
	spec := &IndicatorSpec{
		Code:          d.ItemCode,
		LowerGoalpost: d.LowerGoalpost,
		UpperGoalpost: d.UpperGoalpost,
		Unit:          d.Unit,
	}

	if len(d.DatasetCodes) == 0 {
		b.fail(structErr(d.ItemCode, "DatasetCodes must not be empty"))
	}
	declared := map[string]bool{}
	for _, code := range d.DatasetCodes {
		switch {
		case !validCode(code):
			b.fail(structErr(d.ItemCode, "invalid DatasetCode %q", code))
			continue
		case declared[code]:
			b.fail(structErr(d.ItemCode, "duplicate DatasetCode %s", code))
			continue
		case b.opts.KnownDatasets != nil && !b.opts.KnownDatasets[code]:
			b.fail(structErr(d.ItemCode, "unknown DatasetCode %s", code))
		}
		declared[code] = true
		spec.DatasetCodes = append(spec.DatasetCodes, code)
	}
	sort.Strings(spec.DatasetCodes)

	if (d.LowerGoalpost == nil) != (d.UpperGoalpost == nil) {
		b.fail(structErr(d.ItemCode, "LowerGoalpost and UpperGoalpost must be set together"))
	}
	for _, g := range []*float64{d.LowerGoalpost, d.UpperGoalpost} {
		if g != nil && (math.IsNaN(*g) || math.IsInf(*g, 0)) {
			b.fail(structErr(d.ItemCode, "goalposts must be finite"))
			break
		}
	}

	if d.ScoreFunction == "" {
		b.fail(structErr(d.ItemCode, "missing ScoreFunction"))
		return spec
	}
	fn, err := scorefn.Validate(d.ScoreFunction, spec.DatasetCodes)
	if err != nil && len(d.ScoreFunction) > scorefn.MaxLength {
		// Canonical and exported documents carry the normalized spelling.
		if nfn, nerr := scorefn.ValidateNormalized(d.ScoreFunction, spec.DatasetCodes); nerr == nil {
			fn, err = nfn, nil
		}
	}
	if err != nil {
		b.fail(fmt.Errorf("indicator %s: %w", d.ItemCode, err))
		return spec
	}
	spec.Function = fn

	used := map[string]bool{}
	for _, code := range fn.Datasets() {
		used[code] = true
	}
	for _, code := range spec.DatasetCodes {
		if !used[code] {
			b.fail(structErr(d.ItemCode, "DatasetCode %s is not referenced by the score function", code))
		}
	}
	return spec
}

func validCode(code string) bool {
	return itemCode.MatchString(code) && !strings.Contains(code, "__")
}

func parentKind(k Kind) Kind {
	switch k {
	case KindPillar:
		return KindSSPI
	case KindCategory:
		return KindPillar
	case KindIndicator:
		return KindCategory
	default:
		return ""
	}
}

func sortErrors(errs []error) {
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
}
