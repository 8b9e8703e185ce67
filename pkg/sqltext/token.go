// Package sqltext turns raw statement text into a canonical token stream.
//
// Normalization strips comments, collapses whitespace and rejects input that
// cannot be lexed as exactly one statement. It has no knowledge of statement
// categories; that belongs to the per-dialect classifiers.
package sqltext

import (
	"strings"

	"github.com/TFMV/sqlgate/pkg/models"
)

// TokenKind identifies the lexical class of a token.
type TokenKind int

const (
	TokenWord TokenKind = iota
	TokenNumber
	TokenString
	TokenQuotedIdent
	TokenPunct
)

// String returns the string representation of the token kind.
func (k TokenKind) String() string {
	switch k {
	case TokenWord:
		return "word"
	case TokenNumber:
		return "number"
	case TokenString:
		return "string"
	case TokenQuotedIdent:
		return "quoted_identifier"
	case TokenPunct:
		return "punct"
	default:
		return "unknown"
	}
}

// Token is one lexical unit of a statement.
// Depth is the parenthesis nesting level the token sits at; a parenthesis
// carries the depth of the level that contains it.
type Token struct {
	Kind        TokenKind
	Text        string
	Depth       int
	Offset      int
	SpaceBefore bool
}

// Keyword returns the upper-cased text of a bare word, or "" for any other kind.
func (t Token) Keyword() string {
	if t.Kind != TokenWord {
		return ""
	}
	return strings.ToUpper(t.Text)
}

// Is reports whether the token is a bare word matching any of the keywords.
func (t Token) Is(keywords ...string) bool {
	kw := t.Keyword()
	if kw == "" {
		return false
	}
	for _, k := range keywords {
		if kw == k {
			return true
		}
	}
	return false
}

// IsPunct reports whether the token is the given punctuation character.
func (t Token) IsPunct(p string) bool {
	return t.Kind == TokenPunct && t.Text == p
}

// Canonical is the normalized form of a single statement.
type Canonical struct {
	Dialect models.Dialect
	Text    string
	Tokens  []Token
}

// Len returns the number of tokens.
func (c *Canonical) Len() int {
	return len(c.Tokens)
}

// At returns the token at i, or a zero token when i is out of range.
func (c *Canonical) At(i int) Token {
	if i < 0 || i >= len(c.Tokens) {
		return Token{Kind: TokenPunct, Depth: -1}
	}
	return c.Tokens[i]
}

// Slice returns the canonical form of tokens[from:]. Depths are kept as is.
func (c *Canonical) Slice(from int) *Canonical {
	if from >= len(c.Tokens) {
		return &Canonical{Dialect: c.Dialect}
	}
	tokens := c.Tokens[from:]
	return &Canonical{
		Dialect: c.Dialect,
		Text:    render(tokens),
		Tokens:  tokens,
	}
}

// SliceRange returns the canonical form of tokens[from:to], rebasing depths so
// that the first token sits at depth zero.
func (c *Canonical) SliceRange(from, to int) *Canonical {
	if from < 0 {
		from = 0
	}
	if to > len(c.Tokens) {
		to = len(c.Tokens)
	}
	if from >= to {
		return &Canonical{Dialect: c.Dialect}
	}
	base := c.Tokens[from].Depth
	tokens := make([]Token, to-from)
	for i, tok := range c.Tokens[from:to] {
		tok.Depth -= base
		tokens[i] = tok
	}
	return &Canonical{
		Dialect: c.Dialect,
		Text:    render(tokens),
		Tokens:  tokens,
	}
}

func render(tokens []Token) string {
	var b strings.Builder
	for i, tok := range tokens {
		if i > 0 && tok.SpaceBefore {
			b.WriteByte(' ')
		}
		b.WriteString(tok.Text)
	}
	return b.String()
}
