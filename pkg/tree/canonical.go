package tree

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// HashLength is the number of hex characters kept from the SHA-256 digest.
const HashLength = 32

// Hash returns the first HashLength hex characters of sha256(data).
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:HashLength]
}

// canonicalValue builds the score-relevant view of a node. Names are left
// out so renaming an item does not change the hash.
func canonicalValue(n *Node) map[string]any {
	v := map[string]any{
		"ItemCode": n.Code,
		"ItemType": string(n.Kind),
	}
	if n.Kind == KindIndicator {
		spec := n.Indicator
		v["DatasetCodes"] = stringsAny(spec.DatasetCodes)
		v["ScoreFunction"] = spec.Function.Normalized()
		if spec.LowerGoalpost != nil {
			v["LowerGoalpost"] = *spec.LowerGoalpost
			v["UpperGoalpost"] = *spec.UpperGoalpost
		}
		if spec.Unit != "" {
			v["Unit"] = spec.Unit
		}
		return v
	}
	children := make([]any, 0, len(n.Children))
	for _, c := range n.Children {
		children = append(children, canonicalValue(c))
	}
	v["Children"] = children
	return v
}

func encodeCanonical(root *Node) []byte {
	var buf bytes.Buffer
	writeCanonical(&buf, canonicalValue(root))
	return buf.Bytes()
}

// IndicatorHash hashes an indicator's scoring definition: code, sorted
// dataset codes, normalized score function, goalposts and unit.
func IndicatorHash(spec *IndicatorSpec) string {
	v := map[string]any{
		"IndicatorCode": spec.Code,
		"DatasetCodes":  stringsAny(spec.DatasetCodes),
		"ScoreFunction": spec.Function.Normalized(),
	}
	if spec.LowerGoalpost != nil {
		v["LowerGoalpost"] = *spec.LowerGoalpost
		v["UpperGoalpost"] = *spec.UpperGoalpost
	}
	if spec.Unit != "" {
		v["Unit"] = spec.Unit
	}
	var buf bytes.Buffer
	writeCanonical(&buf, v)
	return Hash(buf.Bytes())
}

// writeCanonical emits JSON with sorted object keys and ", " / ": "
// separators. Only the value shapes produced by canonicalValue are handled.
func writeCanonical(buf *bytes.Buffer, v any) {
	switch v := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeString(buf, k)
			buf.WriteString(": ")
			writeCanonical(buf, v[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeCanonical(buf, e)
		}
		buf.WriteByte(']')
	case string:
		writeString(buf, v)
	case float64:
		buf.WriteString(formatNumber(v))
	default:
		panic(fmt.Sprintf("tree: unsupported canonical value %T", v))
	}
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

// formatNumber renders integral values without a fraction so 100 and 100.0
// hash identically.
func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func stringsAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Fingerprints returns the fingerprint of every indicator keyed by code.
func (c *Config) Fingerprints() map[string]Fingerprint {
	out := make(map[string]Fingerprint, len(c.indicators))
	for _, n := range c.indicators {
		out[n.Code] = Fingerprint{
			Hash:         IndicatorHash(n.Indicator),
			DatasetCodes: append([]string(nil), n.Indicator.DatasetCodes...),
		}
	}
	return out
}

// Documents flattens the tree back into metadata documents in canonical
// order. Parent codes are filled in for categories and indicators.
func (c *Config) Documents() []Document {
	var docs []Document
	var visit func(n *Node, parent string)
	visit = func(n *Node, parent string) {
		d := Document{ItemType: string(n.Kind), ItemCode: n.Code, ItemName: n.Name}
		switch n.Kind {
		case KindCategory:
			d.PillarCode = parent
		case KindIndicator:
			d.CategoryCode = parent
			spec := n.Indicator
			d.DatasetCodes = append([]string(nil), spec.DatasetCodes...)
			d.ScoreFunction = spec.Function.Normalized()
			d.LowerGoalpost = spec.LowerGoalpost
			d.UpperGoalpost = spec.UpperGoalpost
			d.Unit = spec.Unit
		}
		for _, ch := range n.Children {
			d.Children = append(d.Children, ch.Code)
		}
		docs = append(docs, d)
		for _, ch := range n.Children {
			visit(ch, n.Code)
		}
	}
	visit(c.Root, "")
	return docs
}

// canonicalNode mirrors the canonical JSON shape for decoding.
type canonicalNode struct {
	ItemType      string          `json:"ItemType"`
	ItemCode      string          `json:"ItemCode"`
	Children      []canonicalNode `json:"Children"`
	DatasetCodes  []string        `json:"DatasetCodes"`
	ScoreFunction string          `json:"ScoreFunction"`
	LowerGoalpost *float64        `json:"LowerGoalpost"`
	UpperGoalpost *float64        `json:"UpperGoalpost"`
	Unit          string          `json:"Unit"`
}

// FromCanonical rebuilds a Config from its canonical form. Item names are
// not part of the canonical form and come back as the item codes.
func FromCanonical(data []byte, opts Options) (*Config, []error) {
	var root canonicalNode
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, []error{fmt.Errorf("decoding canonical form: %w", err)}
	}
	var docs []Document
	var visit func(n canonicalNode)
	visit = func(n canonicalNode) {
		d := Document{
			ItemType:      n.ItemType,
			ItemCode:      n.ItemCode,
			ItemName:      n.ItemCode,
			DatasetCodes:  n.DatasetCodes,
			ScoreFunction: n.ScoreFunction,
			LowerGoalpost: n.LowerGoalpost,
			UpperGoalpost: n.UpperGoalpost,
			Unit:          n.Unit,
		}
		for _, ch := range n.Children {
			d.Children = append(d.Children, ch.ItemCode)
		}
		docs = append(docs, d)
		for _, ch := range n.Children {
			visit(ch)
		}
	}
	visit(root)
	return Build(docs, opts)
}

// ParseDocuments decodes either a bare JSON array of documents or a
// Submission object.
func ParseDocuments(data []byte) (*Submission, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var docs []Document
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
		return &Submission{Metadata: docs}, nil
	}
	var sub Submission
	if err := json.Unmarshal(trimmed, &sub); err != nil {
		return nil, fmt.Errorf("decoding submission: %w", err)
	}
	return &sub, nil
}
