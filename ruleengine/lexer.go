package ruleengine

import (
	"fmt"

	parsec "github.com/prataprc/goparsec"
)

type tokKind int

const (
	tokNumber tokKind = iota
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

// lexPatterns are tried in order at each scanner position; the first
// match wins, mirroring goparsec's own OrdChoice semantics but kept
// as a flat table here since the grammar has no nested structure to
// gain from the full AST combinators (§4.8: operators
// `< <= == != >= > && || !`, parentheses and commas for call args).
var lexPatterns = []struct {
	kind    tokKind
	pattern string
}{
	{tokNumber, `^[0-9]+(\.[0-9]+)?`},
	{tokIdent, `^[a-zA-Z_][a-zA-Z0-9_]*`},
	{tokOp, `^(<=|>=|==|!=|&&|\|\||[<>!])`},
	{tokLParen, `^\(`},
	{tokRParen, `^\)`},
	{tokComma, `^,`},
}

type token struct {
	kind tokKind
	text string
}

// lex tokenizes a rule expression using goparsec's Scanner, which
// owns the regex matching and whitespace skipping.
func lex(expr string) ([]token, error) {
	s := parsec.NewScanner([]byte(expr))
	var toks []token

	for {
		s = s.SkipWS()
		if s.Endof() {
			break
		}

		matched := false
		for _, lp := range lexPatterns {
			if tok, rest := s.Match(lp.pattern); tok != nil {
				toks = append(toks, token{lp.kind, string(tok)})
				s = rest
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("ruleengine: unexpected input in expression %q", expr)
		}
	}
	return toks, nil
}
