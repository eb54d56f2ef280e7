package scorefn

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a score-function failure.
type Kind string

const (
	KindEncoding    Kind = "EncodingError"
	KindSyntax      Kind = "SyntaxError"
	KindReference   Kind = "ReferenceError"
	KindDataQuality Kind = "DataQualityError"
	KindComputation Kind = "ComputationError"
)

// ErrZeroDivision is wrapped by the ComputationError returned for a division by zero.
var ErrZeroDivision = errors.New("division by zero")

// Error is the single error value returned by validation and evaluation.
type Error struct {
	Kind  Kind
	Token string // offending token, code point or AST node
	Pos   int    // byte offset into the text, -1 when not positional
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if e.Token != "" {
		fmt.Fprintf(&b, " (%q", e.Token)
		if e.Pos >= 0 {
			fmt.Fprintf(&b, " at offset %d", e.Pos)
		}
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a score-function error of the given kind.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

// KindOf returns the kind of a score-function error, or "" for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func syntaxErr(tok string, pos int, format string, args ...any) *Error {
	return &Error{Kind: KindSyntax, Token: tok, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func referenceErr(tok string, pos int, format string, args ...any) *Error {
	return &Error{Kind: KindReference, Token: tok, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func computationErr(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindComputation, Pos: -1, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func dataQualityErr(code, format string, args ...any) *Error {
	return &Error{Kind: KindDataQuality, Token: code, Pos: -1, Msg: fmt.Sprintf(format, args...)}
}
