package expr

import (
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokTrue
	tokFalse
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokEq
	tokNeq
	tokLt
	tokLte
	tokGt
	tokGte
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// lex tokenizes src. Any character outside the whitelisted operator set is a
// ConditionError immediately.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c >= '0' && c <= '9' || c == '.':
			start := i
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			n, err := strconv.ParseFloat(src[start:i], 64)
			if err != nil {
				return nil, &ConditionError{Expr: src, Pos: start, Reason: "malformed number " + src[start:i]}
			}
			toks = append(toks, token{kind: tokNumber, num: n, pos: start})
		case isIdentStart(rune(c)):
			start := i
			for i < len(src) && isIdentPart(rune(src[i])) {
				i++
			}
			word := src[start:i]
			switch strings.ToLower(word) {
			case "true":
				toks = append(toks, token{kind: tokTrue, pos: start})
			case "false":
				toks = append(toks, token{kind: tokFalse, pos: start})
			case "and":
				toks = append(toks, token{kind: tokAnd, pos: start})
			case "or":
				toks = append(toks, token{kind: tokOr, pos: start})
			case "not":
				toks = append(toks, token{kind: tokNot, pos: start})
			default:
				toks = append(toks, token{kind: tokIdent, text: word, pos: start})
			}
		case c == '(':
			toks = append(toks, token{kind: tokLParen, pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, pos: i})
			i++
		case c == '+':
			toks = append(toks, token{kind: tokPlus, pos: i})
			i++
		case c == '-':
			toks = append(toks, token{kind: tokMinus, pos: i})
			i++
		case c == '*':
			toks = append(toks, token{kind: tokStar, pos: i})
			i++
		case c == '/':
			toks = append(toks, token{kind: tokSlash, pos: i})
			i++
		case c == '=':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{kind: tokEq, pos: i})
				i += 2
			} else {
				return nil, &ConditionError{Expr: src, Pos: i, Reason: "assignment is not permitted; use =="}
			}
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{kind: tokNeq, pos: i})
				i += 2
			} else {
				toks = append(toks, token{kind: tokNot, pos: i})
				i++
			}
		case c == '<':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{kind: tokLte, pos: i})
				i += 2
			} else {
				toks = append(toks, token{kind: tokLt, pos: i})
				i++
			}
		case c == '>':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{kind: tokGte, pos: i})
				i += 2
			} else {
				toks = append(toks, token{kind: tokGt, pos: i})
				i++
			}
		case c == '&':
			if i+1 < len(src) && src[i+1] == '&' {
				toks = append(toks, token{kind: tokAnd, pos: i})
				i += 2
			} else {
				return nil, &ConditionError{Expr: src, Pos: i, Reason: "bitwise operators are not permitted"}
			}
		case c == '|':
			if i+1 < len(src) && src[i+1] == '|' {
				toks = append(toks, token{kind: tokOr, pos: i})
				i += 2
			} else {
				return nil, &ConditionError{Expr: src, Pos: i, Reason: "bitwise operators are not permitted"}
			}
		default:
			return nil, &ConditionError{Expr: src, Pos: i, Reason: "character " + strconv.QuoteRune(rune(c)) + " is outside the permitted grammar"}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }
func isIdentPart(r rune) bool  { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }
