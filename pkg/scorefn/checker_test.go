package scorefn

import (
	"go/parser"
	"testing"
)

// The node cap cannot be reached through Validate within the length limit,
// so exercise the checker directly with a lowered cap.
func TestChecker_NodeLimit(t *testing.T) {
	expr, err := parser.ParseExpr("X + Y + Z")
	if err != nil {
		t.Fatal(err)
	}

	c := &checker{maxNodes: 5, maxCallDepth: MaxCallDepth, seen: map[string]bool{}}
	if _, err := c.compile(expr); err != nil {
		t.Fatalf("expected 5 nodes to pass, got %v", err)
	}

	c = &checker{maxNodes: 4, maxCallDepth: MaxCallDepth, seen: map[string]bool{}}
	_, err = c.compile(expr)
	if !IsKind(err, KindSyntax) {
		t.Fatalf("expected SyntaxError, got %v", err)
	}
}

func TestChecker_RejectsNodeKinds(t *testing.T) {
	for _, src := range []string{"X.Y", "X[0]", "X == Y", "X && Y", "func() {}", "\"s\"", "X % Y", "!X"} {
		expr, err := parser.ParseExpr(src)
		if err != nil {
			t.Fatalf("ParseExpr(%q): %v", src, err)
		}
		c := &checker{maxNodes: MaxNodes, maxCallDepth: MaxCallDepth, seen: map[string]bool{}}
		if _, err := c.compile(expr); !IsKind(err, KindSyntax) {
			t.Errorf("%s: expected SyntaxError, got %v", src, err)
		}
	}
}
