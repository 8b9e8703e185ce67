package sqltext

import (
	"fmt"

	"github.com/TFMV/sqlgate/pkg/models"
)

// RejectionReason names why a statement could not be normalized.
type RejectionReason string

const (
	RejectEmpty                  RejectionReason = "EMPTY"
	RejectMultiStatement         RejectionReason = "MULTI_STATEMENT"
	RejectUnterminatedComment    RejectionReason = "UNTERMINATED_COMMENT"
	RejectUnterminatedString     RejectionReason = "UNTERMINATED_STRING"
	RejectUnterminatedIdentifier RejectionReason = "UNTERMINATED_IDENTIFIER"
	RejectUnbalancedParentheses  RejectionReason = "UNBALANCED_PARENTHESES"
	RejectExecutableComment      RejectionReason = "EXECUTABLE_COMMENT"
	RejectUnsupportedDialect     RejectionReason = "UNSUPPORTED_DIALECT"
)

// Rejection is returned when raw text is not a single well-formed statement.
type Rejection struct {
	Reason RejectionReason
	Offset int
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	switch r.Reason {
	case RejectEmpty:
		return "statement is empty"
	case RejectMultiStatement:
		return fmt.Sprintf("multiple statements are not allowed (separator at offset %d)", r.Offset)
	case RejectUnterminatedComment:
		return fmt.Sprintf("unterminated block comment starting at offset %d", r.Offset)
	case RejectUnterminatedString:
		return fmt.Sprintf("unterminated string literal starting at offset %d", r.Offset)
	case RejectUnterminatedIdentifier:
		return fmt.Sprintf("unterminated quoted identifier starting at offset %d", r.Offset)
	case RejectUnbalancedParentheses:
		return fmt.Sprintf("unbalanced parentheses at offset %d", r.Offset)
	case RejectExecutableComment:
		return fmt.Sprintf("executable comment at offset %d is not allowed", r.Offset)
	case RejectUnsupportedDialect:
		return "unsupported dialect"
	default:
		return string(r.Reason)
	}
}

// lexRules captures the lexical differences between dialects.
type lexRules struct {
	hashComments        bool // '#' starts a line comment
	dashNeedsSpace      bool // '--' is a comment only when followed by whitespace
	nestedComments      bool
	executableComments  bool // '/*!' carries code, not commentary
	doubleQuoteIsString bool
	backslashEscapes    bool // backslash escapes inside every string literal
	escapeStringPrefix  bool // E'...' strings honour backslash escapes
	dollarQuotes        bool
	backtickIdents      bool
	bracketIdents       bool
}

func rulesFor(d models.Dialect) (lexRules, bool) {
	switch d {
	case models.DialectPostgres:
		return lexRules{
			nestedComments:     true,
			escapeStringPrefix: true,
			dollarQuotes:       true,
		}, true
	case models.DialectMySQL:
		return lexRules{
			hashComments:        true,
			dashNeedsSpace:      true,
			executableComments:  true,
			doubleQuoteIsString: true,
			backslashEscapes:    true,
			backtickIdents:      true,
		}, true
	case models.DialectSQLite:
		return lexRules{
			backtickIdents: true,
			bracketIdents:  true,
		}, true
	default:
		return lexRules{}, false
	}
}

// Normalize lexes raw as a single statement of dialect d. A trailing statement
// terminator is accepted; anything after a terminator is rejected. The returned
// error is always a *Rejection.
func Normalize(raw string, d models.Dialect) (*Canonical, error) {
	rules, ok := rulesFor(d)
	if !ok {
		return nil, &Rejection{Reason: RejectUnsupportedDialect}
	}

	lx := &lexer{src: raw, rules: rules}
	tokens, rej := lx.run()
	if rej != nil {
		return nil, rej
	}
	if len(tokens) == 0 {
		return nil, &Rejection{Reason: RejectEmpty}
	}

	return &Canonical{
		Dialect: d,
		Text:    render(tokens),
		Tokens:  tokens,
	}, nil
}

type lexer struct {
	src   string
	pos   int
	rules lexRules

	tokens     []Token
	depth      int
	space      bool
	terminator int // offset of the first ';', or -1
}

func (lx *lexer) run() ([]Token, *Rejection) {
	lx.terminator = -1
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]

		switch {
		case isSpace(c):
			lx.pos++
			lx.space = true
			continue
		case lx.startsLineComment():
			lx.skipLine()
			lx.space = true
			continue
		case c == '/' && lx.peek(1) == '*':
			if rej := lx.skipBlockComment(); rej != nil {
				return nil, rej
			}
			lx.space = true
			continue
		case c == ';':
			if lx.terminator < 0 {
				lx.terminator = lx.pos
			}
			lx.pos++
			lx.space = true
			continue
		}

		// Any token after a terminator is a second statement.
		if lx.terminator >= 0 {
			return nil, &Rejection{Reason: RejectMultiStatement, Offset: lx.terminator}
		}

		start := lx.pos
		var rej *Rejection
		switch {
		case c == '\'':
			rej = lx.quoted('\'', TokenString, lx.rules.backslashEscapes, RejectUnterminatedString)
		case c == '"' && lx.rules.doubleQuoteIsString:
			rej = lx.quoted('"', TokenString, lx.rules.backslashEscapes, RejectUnterminatedString)
		case c == '"':
			rej = lx.quoted('"', TokenQuotedIdent, false, RejectUnterminatedIdentifier)
		case c == '`' && lx.rules.backtickIdents:
			rej = lx.quoted('`', TokenQuotedIdent, false, RejectUnterminatedIdentifier)
		case c == '[' && lx.rules.bracketIdents:
			rej = lx.bracketIdent()
		case c == '$' && lx.rules.dollarQuotes && lx.dollarTag() != "":
			rej = lx.dollarQuoted()
		case (c == 'E' || c == 'e') && lx.rules.escapeStringPrefix && lx.peek(1) == '\'':
			lx.pos++
			rej = lx.quoted('\'', TokenString, true, RejectUnterminatedString)
			if rej == nil {
				lx.tokens[len(lx.tokens)-1].Text = lx.src[start:lx.pos]
				lx.tokens[len(lx.tokens)-1].Offset = start
			}
		case isDigit(c) || (c == '.' && isDigit(lx.peek(1))):
			lx.number()
		case isWordStart(c):
			lx.word()
		case c == '(':
			lx.emit(TokenPunct, start, lx.pos+1)
			lx.pos++
			lx.depth++
		case c == ')':
			lx.depth--
			if lx.depth < 0 {
				return nil, &Rejection{Reason: RejectUnbalancedParentheses, Offset: start}
			}
			lx.emit(TokenPunct, start, lx.pos+1)
			lx.pos++
		default:
			lx.emit(TokenPunct, start, lx.pos+1)
			lx.pos++
		}
		if rej != nil {
			return nil, rej
		}
	}

	if lx.depth != 0 {
		return nil, &Rejection{Reason: RejectUnbalancedParentheses, Offset: len(lx.src)}
	}
	return lx.tokens, nil
}

func (lx *lexer) peek(n int) byte {
	if lx.pos+n >= len(lx.src) {
		return 0
	}
	return lx.src[lx.pos+n]
}

func (lx *lexer) emit(kind TokenKind, start, end int) {
	lx.tokens = append(lx.tokens, Token{
		Kind:        kind,
		Text:        lx.src[start:end],
		Depth:       lx.depth,
		Offset:      start,
		SpaceBefore: lx.space,
	})
	lx.space = false
}

func (lx *lexer) startsLineComment() bool {
	c := lx.src[lx.pos]
	if c == '#' && lx.rules.hashComments {
		return true
	}
	if c != '-' || lx.peek(1) != '-' {
		return false
	}
	if !lx.rules.dashNeedsSpace {
		return true
	}
	next := lx.peek(2)
	return next == 0 || isSpace(next) || next < 0x20
}

func (lx *lexer) skipLine() {
	for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' {
		lx.pos++
	}
}

// executableComment reports whether the block comment at pos runs on the
// server: /*! for MySQL and MariaDB, /*M! for MariaDB only.
func (lx *lexer) executableComment() bool {
	switch lx.peek(2) {
	case '!':
		return true
	case 'M', 'm':
		return lx.peek(3) == '!'
	}
	return false
}

func (lx *lexer) skipBlockComment() *Rejection {
	start := lx.pos
	if lx.rules.executableComments && lx.executableComment() {
		return &Rejection{Reason: RejectExecutableComment, Offset: start}
	}
	lx.pos += 2
	level := 1
	for lx.pos < len(lx.src) {
		switch {
		case lx.src[lx.pos] == '*' && lx.peek(1) == '/':
			lx.pos += 2
			level--
			if level == 0 || !lx.rules.nestedComments {
				return nil
			}
		case lx.rules.nestedComments && lx.src[lx.pos] == '/' && lx.peek(1) == '*':
			lx.pos += 2
			level++
		default:
			lx.pos++
		}
	}
	return &Rejection{Reason: RejectUnterminatedComment, Offset: start}
}

// quoted scans a literal delimited by q. A doubled delimiter is an escaped delimiter.
func (lx *lexer) quoted(q byte, kind TokenKind, backslash bool, reason RejectionReason) *Rejection {
	start := lx.pos
	lx.pos++
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case backslash && c == '\\':
			lx.pos += 2
		case c == q && lx.peek(1) == q:
			lx.pos += 2
		case c == q:
			lx.pos++
			lx.emit(kind, start, lx.pos)
			return nil
		default:
			lx.pos++
		}
	}
	return &Rejection{Reason: reason, Offset: start}
}

func (lx *lexer) bracketIdent() *Rejection {
	start := lx.pos
	for lx.pos < len(lx.src) {
		if lx.src[lx.pos] == ']' {
			lx.pos++
			lx.emit(TokenQuotedIdent, start, lx.pos)
			return nil
		}
		lx.pos++
	}
	return &Rejection{Reason: RejectUnterminatedIdentifier, Offset: start}
}

// dollarTag returns the opening delimiter ("$$" or "$tag$") at the current
// position, or "" when the '$' starts something else such as "$1".
func (lx *lexer) dollarTag() string {
	i := lx.pos + 1
	if i < len(lx.src) && lx.src[i] == '$' {
		return "$$"
	}
	if i >= len(lx.src) || !(isLetter(lx.src[i]) || lx.src[i] == '_') {
		return ""
	}
	for i < len(lx.src) && (isLetter(lx.src[i]) || isDigit(lx.src[i]) || lx.src[i] == '_') {
		i++
	}
	if i < len(lx.src) && lx.src[i] == '$' {
		return lx.src[lx.pos : i+1]
	}
	return ""
}

func (lx *lexer) dollarQuoted() *Rejection {
	start := lx.pos
	tag := lx.dollarTag()
	lx.pos += len(tag)
	for lx.pos < len(lx.src) {
		if lx.src[lx.pos] == '$' && len(lx.src)-lx.pos >= len(tag) && lx.src[lx.pos:lx.pos+len(tag)] == tag {
			lx.pos += len(tag)
			lx.emit(TokenString, start, lx.pos)
			return nil
		}
		lx.pos++
	}
	return &Rejection{Reason: RejectUnterminatedString, Offset: start}
}

func (lx *lexer) number() {
	start := lx.pos
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case isDigit(c) || isLetter(c) || c == '.' || c == '_':
			lx.pos++
		case (c == '+' || c == '-') && (lx.src[lx.pos-1] == 'e' || lx.src[lx.pos-1] == 'E'):
			lx.pos++
		default:
			lx.emit(TokenNumber, start, lx.pos)
			return
		}
	}
	lx.emit(TokenNumber, start, lx.pos)
}

func (lx *lexer) word() {
	start := lx.pos
	for lx.pos < len(lx.src) && isWordPart(lx.src[lx.pos]) {
		lx.pos++
	}
	lx.emit(TokenWord, start, lx.pos)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Bytes >= 0x80 belong to multi-byte UTF-8 identifiers.
func isWordStart(c byte) bool {
	return isLetter(c) || c == '_' || c >= 0x80
}

func isWordPart(c byte) bool {
	return isWordStart(c) || isDigit(c) || c == '$'
}
