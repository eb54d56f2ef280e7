// Package scorefn implements the score-function sandbox: a closed-world
// arithmetic language of the form "Score = <expression>" that is validated
// against a token whitelist and an AST policy before it is ever evaluated.
package scorefn

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Limits enforced at validation time.
const (
	MaxLength     = 250
	MaxParenDepth = 32
	MaxNodes      = 256
	MaxCallDepth  = 16
	MaxExponent   = 10
)

// TokenKind classifies a lexical token.
type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenNumber
	TokenIdent
	TokenOperator
	TokenAssign
)

func (k TokenKind) String() string {
	switch k {
	case TokenEOF:
		return "EOF"
	case TokenNumber:
		return "NUMBER"
	case TokenIdent:
		return "IDENT"
	case TokenOperator:
		return "OPERATOR"
	case TokenAssign:
		return "ASSIGN"
	default:
		return "UNKNOWN"
	}
}

// Token is a single lexical unit of a score function.
type Token struct {
	Kind TokenKind `json:"kind"`
	Text string    `json:"text"`
	Pos  int       `json:"pos"` // byte offset
}

// bannedOperators are the multi-character operators recognised only so they
// can be reported by name.
var bannedOperators = []string{"**", "//", "<<", ">>", ":=", "==", "!=", "<=", ">=", "->"}

var bannedChars = map[byte]string{
	'.':  "attribute access is not allowed",
	'[':  "subscripts are not allowed",
	']':  "subscripts are not allowed",
	'{':  "braces are not allowed",
	'}':  "braces are not allowed",
	'\'': "string literals are not allowed",
	'"':  "string literals are not allowed",
	'`':  "string literals are not allowed",
	'#':  "comments are not allowed",
	';':  "multiple statements are not allowed",
	'\\': "backslashes are not allowed",
	':':  "operator is not allowed",
}

// CheckEncoding rejects any code point outside printable ASCII plus tab,
// carriage return and newline.
func CheckEncoding(text string) error {
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if r == utf8.RuneError && size <= 1 {
			return &Error{Kind: KindEncoding, Token: fmt.Sprintf("0x%02X", text[i]), Pos: i, Msg: "invalid UTF-8 byte"}
		}
		if !allowedRune(r) {
			return &Error{Kind: KindEncoding, Token: fmt.Sprintf("U+%04X", r), Pos: i, Msg: "disallowed character"}
		}
		i += size
	}
	return nil
}

func allowedRune(r rune) bool {
	if r >= 0x20 && r <= 0x7E {
		return true
	}
	return r == '\t' || r == '\n' || r == '\r'
}

// Tokenize converts a score-function string into a token stream. It performs
// the encoding, length and lexical checks; identifier resolution happens in
// Validate. The returned slice always ends with a TokenEOF token.
func Tokenize(text string) ([]Token, error) {
	if len(text) > MaxLength {
		if err := CheckEncoding(text); err != nil {
			return nil, err
		}
		return nil, lengthErr(len(text))
	}
	return tokenize(text)
}

func lengthErr(n int) error {
	return syntaxErr("", -1, "score function is %d characters, limit is %d", n, MaxLength)
}

// tokenize performs the encoding and lexical checks without a length limit.
func tokenize(text string) ([]Token, error) {
	if err := CheckEncoding(text); err != nil {
		return nil, err
	}

	var toks []Token
	depth := 0
	n := len(text)
	for i := 0; i < n; {
		c := text[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '\n' || c == '\r':
			return nil, syntaxErr(strconv.QuoteRune(rune(c)), i, "line breaks are not allowed")
		case isDigit(c) || (c == '.' && i+1 < n && isDigit(text[i+1])):
			tok, next, err := scanNumber(text, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i = next
		case isIdentStart(c):
			start := i
			for i < n && isIdentChar(text[i]) {
				i++
			}
			id := text[start:i]
			if strings.Contains(id, "__") {
				return nil, syntaxErr(id, start, "dunder identifiers are not allowed")
			}
			toks = append(toks, Token{Kind: TokenIdent, Text: id, Pos: start})
		default:
			for _, op := range bannedOperators {
				if strings.HasPrefix(text[i:], op) {
					return nil, syntaxErr(op, i, "operator is not allowed")
				}
			}
			switch c {
			case '+', '-', '*', '/', ',':
				toks = append(toks, Token{Kind: TokenOperator, Text: string(c), Pos: i})
			case '(':
				depth++
				if depth > MaxParenDepth {
					return nil, syntaxErr("(", i, "parenthesis nesting exceeds %d", MaxParenDepth)
				}
				toks = append(toks, Token{Kind: TokenOperator, Text: "(", Pos: i})
			case ')':
				depth--
				if depth < 0 {
					return nil, syntaxErr(")", i, "unbalanced parenthesis")
				}
				toks = append(toks, Token{Kind: TokenOperator, Text: ")", Pos: i})
			case '=':
				toks = append(toks, Token{Kind: TokenAssign, Text: "=", Pos: i})
			default:
				if msg, ok := bannedChars[c]; ok {
					return nil, syntaxErr(string(c), i, "%s", msg)
				}
				return nil, syntaxErr(string(c), i, "operator is not allowed")
			}
			i++
		}
	}
	if depth != 0 {
		return nil, syntaxErr("(", -1, "unbalanced parenthesis")
	}
	toks = append(toks, Token{Kind: TokenEOF, Pos: n})
	return toks, nil
}

// scanNumber reads a decimal literal: digits[.digits] or .digits. Anything
// glued to the literal (hex prefixes, exponents, underscores, suffixes) is
// rejected.
func scanNumber(text string, start int) (Token, int, error) {
	n := len(text)
	i := start
	for i < n && isDigit(text[i]) {
		i++
	}
	intPart := text[start:i]
	if i < n && text[i] == '.' {
		i++
		for i < n && isDigit(text[i]) {
			i++
		}
	}
	if i < n && (isIdentChar(text[i]) || text[i] == '.') {
		return Token{}, 0, syntaxErr(text[start:i+1], start, "malformed numeric literal")
	}
	if len(intPart) > 1 && intPart[0] == '0' {
		return Token{}, 0, syntaxErr(text[start:i], start, "leading zeros are not allowed")
	}
	lit := text[start:i]
	v, err := strconv.ParseFloat(lit, 64)
	if err != nil || math.IsInf(v, 0) {
		return Token{}, 0, syntaxErr(lit, start, "numeric literal out of range")
	}
	return Token{Kind: TokenNumber, Text: lit, Pos: start}, i, nil
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentChar(c byte) bool  { return isIdentStart(c) || isDigit(c) }
