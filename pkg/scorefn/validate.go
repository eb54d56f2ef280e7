package scorefn

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strconv"
	"strings"
)

// Function is a validated score function. Immutable once produced and safe
// for concurrent use.
type Function struct {
	text       string
	normalized string
	prog       node
	datasets   []string
}

// Text returns the original score-function text.
func (f *Function) Text() string { return f.text }

// Normalized returns the text with a single space between tokens.
func (f *Function) Normalized() string { return f.normalized }

// Datasets returns the free dataset identifiers in order of first appearance.
func (f *Function) Datasets() []string {
	out := make([]string, len(f.datasets))
	copy(out, f.datasets)
	return out
}

// Validate checks text against the token whitelist and AST policy. Every
// identifier that is not a helper must appear in allowed. On failure the
// returned error is a single *Error naming the offending token or node.
func Validate(text string, allowed []string) (*Function, error) {
	toks, err := Tokenize(text)
	if err != nil {
		return nil, err
	}
	return compile(text, toks, allowed)
}

// ValidateNormalized validates text that is already in normalized form, as
// stored in a canonical configuration. Normalization inserts a space between
// tokens, so the length limit applies to the tokens alone: the text is
// accepted when its compact spelling fits within MaxLength.
func ValidateNormalized(text string, allowed []string) (*Function, error) {
	if len(text) > 2*MaxLength {
		return nil, lengthErr(len(text))
	}
	toks, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	compact := 0
	for _, t := range toks {
		compact += len(t.Text)
	}
	if compact > MaxLength {
		return nil, lengthErr(compact)
	}
	fn, err := compile(text, toks, allowed)
	if err != nil {
		return nil, err
	}
	if fn.normalized != text {
		return nil, syntaxErr("", -1, "score function is not in normalized form")
	}
	return fn, nil
}

func compile(text string, toks []Token, allowed []string) (*Function, error) {

	if len(toks) < 4 || toks[0].Kind != TokenIdent || toks[0].Text != "Score" || toks[1].Kind != TokenAssign {
		tok := ""
		if len(toks) > 0 {
			tok = toks[0].Text
		}
		return nil, syntaxErr(tok, 0, "expected 'Score = <expression>'")
	}

	allowedSet := make(map[string]bool, len(allowed))
	for _, code := range allowed {
		allowedSet[code] = true
	}

	body := toks[2 : len(toks)-1]
	parts := make([]string, 0, len(body))
	offsets := make(map[int]int, len(body))
	at := 0
	for _, t := range body {
		switch t.Kind {
		case TokenAssign:
			return nil, syntaxErr(t.Text, t.Pos, "'=' is only allowed in the outer assignment")
		case TokenIdent:
			switch {
			case t.Text == "Score":
				return nil, referenceErr(t.Text, t.Pos, "Score cannot reference itself")
			case IsHelper(t.Text), allowedSet[t.Text]:
			default:
				return nil, referenceErr(t.Text, t.Pos, "unknown identifier")
			}
		}
		parts = append(parts, t.Text)
		offsets[at] = t.Pos
		at += len(t.Text) + 1
	}
	src := strings.Join(parts, " ")

	expr, err := parser.ParseExpr(src)
	if err != nil {
		return nil, syntaxErr(src, -1, "malformed expression: %v", err)
	}

	c := &checker{maxNodes: MaxNodes, maxCallDepth: MaxCallDepth, offsets: offsets, seen: map[string]bool{}}
	prog, err := c.compile(expr)
	if err != nil {
		return nil, err
	}

	return &Function{
		text:       text,
		normalized: "Score = " + src,
		prog:       prog,
		datasets:   c.datasets,
	}, nil
}

// Normalize returns the whitespace-normalized form of text without resolving
// identifiers. It fails on the same lexical errors as Tokenize.
func Normalize(text string) (string, error) {
	toks, err := Tokenize(text)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(toks))
	for _, t := range toks[:len(toks)-1] {
		parts = append(parts, t.Text)
	}
	return strings.Join(parts, " "), nil
}

// checker walks a parsed expression, enforces the node policy and limits,
// and compiles the tree into an evaluable program.
type checker struct {
	maxNodes     int
	maxCallDepth int
	nodes        int
	callDepth    int
	offsets      map[int]int // normalized offset -> original offset
	datasets     []string
	seen         map[string]bool
}

func (c *checker) compile(e ast.Expr) (node, error) {
	c.nodes++
	if c.nodes > c.maxNodes {
		return nil, syntaxErr("", -1, "expression exceeds %d nodes", c.maxNodes)
	}

	switch e := e.(type) {
	case *ast.BasicLit:
		if e.Kind != token.INT && e.Kind != token.FLOAT {
			return nil, syntaxErr(e.Value, c.pos(e.ValuePos), "literal kind %s is not allowed", e.Kind)
		}
		v, err := strconv.ParseFloat(e.Value, 64)
		if err != nil || math.IsInf(v, 0) {
			return nil, syntaxErr(e.Value, c.pos(e.ValuePos), "numeric literal out of range")
		}
		return numNode(v), nil

	case *ast.Ident:
		if IsHelper(e.Name) {
			return nil, syntaxErr(e.Name, c.pos(e.NamePos), "helper must be called")
		}
		if !c.seen[e.Name] {
			c.seen[e.Name] = true
			c.datasets = append(c.datasets, e.Name)
		}
		return varNode(e.Name), nil

	case *ast.ParenExpr:
		return c.compile(e.X)

	case *ast.UnaryExpr:
		x, err := c.compile(e.X)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case token.SUB:
			return negNode{x: x}, nil
		case token.ADD:
			return x, nil
		}
		return nil, syntaxErr(e.Op.String(), c.pos(e.OpPos), "unary operator is not allowed")

	case *ast.BinaryExpr:
		var op byte
		switch e.Op {
		case token.ADD:
			op = '+'
		case token.SUB:
			op = '-'
		case token.MUL:
			op = '*'
		case token.QUO:
			op = '/'
		default:
			return nil, syntaxErr(e.Op.String(), c.pos(e.OpPos), "binary operator is not allowed")
		}
		l, err := c.compile(e.X)
		if err != nil {
			return nil, err
		}
		r, err := c.compile(e.Y)
		if err != nil {
			return nil, err
		}
		return binNode{op: op, l: l, r: r}, nil

	case *ast.CallExpr:
		return c.compileCall(e)
	}

	return nil, syntaxErr(nodeName(e), -1, "expression node is not allowed")
}

func (c *checker) compileCall(e *ast.CallExpr) (node, error) {
	id, ok := e.Fun.(*ast.Ident)
	if !ok {
		return nil, syntaxErr(nodeName(e.Fun), -1, "call target must be a helper")
	}
	h, ok := helpers[id.Name]
	if !ok {
		return nil, syntaxErr(id.Name, c.pos(id.NamePos), "call target must be a helper")
	}
	if e.Ellipsis.IsValid() {
		return nil, syntaxErr("...", c.pos(e.Ellipsis), "variadic expansion is not allowed")
	}
	n := len(e.Args)
	if n < h.minArgs || (h.maxArgs >= 0 && n > h.maxArgs) {
		return nil, syntaxErr(h.name, c.pos(id.NamePos), "%s takes %s, got %d", h.name, arity(h), n)
	}

	c.callDepth++
	defer func() { c.callDepth-- }()
	if c.callDepth > c.maxCallDepth {
		return nil, syntaxErr(h.name, c.pos(id.NamePos), "call nesting exceeds %d", c.maxCallDepth)
	}

	args := make([]node, 0, n)
	for _, a := range e.Args {
		an, err := c.compile(a)
		if err != nil {
			return nil, err
		}
		args = append(args, an)
	}

	if h.name == "pow" && args[1].constant() {
		exp, err := args[1].eval(nil)
		if err != nil {
			return nil, syntaxErr("pow", c.pos(id.NamePos), "invalid constant exponent: %v", err)
		}
		if math.Abs(exp) > MaxExponent {
			return nil, syntaxErr("pow", c.pos(id.NamePos), "pow exponent %g exceeds limit of %d", exp, MaxExponent)
		}
	}

	return callNode{h: h, args: args}, nil
}

// pos maps a parser position back to a byte offset in the original text.
func (c *checker) pos(p token.Pos) int {
	if off, ok := c.offsets[int(p)-1]; ok {
		return off
	}
	return -1
}

func arity(h *helper) string {
	switch {
	case h.maxArgs < 0:
		return fmt.Sprintf("at least %d arguments", h.minArgs)
	case h.minArgs == h.maxArgs:
		return fmt.Sprintf("%d arguments", h.minArgs)
	default:
		return fmt.Sprintf("%d to %d arguments", h.minArgs, h.maxArgs)
	}
}

func nodeName(e ast.Node) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", e), "*ast.")
}
