package interceptor

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	offerr "github.com/offsync/offsync/internal/errors"
	"github.com/offsync/offsync/internal/store"
	"github.com/offsync/offsync/pkg/types"
)

// tokenType is the kind of a filter token.
type tokenType int

const (
	tokenEOF tokenType = iota
	tokenError
	tokenIdent
	tokenNumber
	tokenString
	tokenDatetime
	tokenAnd
	tokenOp
	tokenTrue
	tokenFalse
	tokenNull
)

// token is one lexical unit of a $filter expression.
type token struct {
	typ     tokenType
	literal string
	pos     int
}

var filterKeywords = map[string]tokenType{
	"and":   tokenAnd,
	"eq":    tokenOp,
	"ne":    tokenOp,
	"lt":    tokenOp,
	"le":    tokenOp,
	"gt":    tokenOp,
	"ge":    tokenOp,
	"true":  tokenTrue,
	"false": tokenFalse,
	"null":  tokenNull,
}

// lexer tokenizes a $filter expression.
type lexer struct {
	input   string
	pos     int
	readPos int
	ch      byte
}

func newLexer(input string) *lexer {
	l := &lexer{input: input}
	l.readChar()
	return l
}

func (l *lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

func (l *lexer) next() token {
	for l.ch == ' ' || l.ch == '\t' {
		l.readChar()
	}

	start := l.pos
	switch {
	case l.ch == 0:
		return token{typ: tokenEOF, pos: start}
	case l.ch == '\'':
		lit, ok := l.readString()
		if !ok {
			return token{typ: tokenError, literal: "unterminated string", pos: start}
		}
		return token{typ: tokenString, literal: lit, pos: start}
	case isDigit(l.ch) || (l.ch == '-' && isDigit(l.peekChar())):
		return l.readNumber()
	case isLetter(l.ch) || l.ch == '_':
		return l.readIdentifier()
	}
	return token{typ: tokenError, literal: string(l.ch), pos: start}
}

func (l *lexer) readIdentifier() token {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' {
		l.readChar()
	}
	lit := l.input[start:l.pos]

	if strings.EqualFold(lit, "datetime") && l.ch == '\'' {
		s, ok := l.readString()
		if !ok {
			return token{typ: tokenError, literal: "unterminated datetime", pos: start}
		}
		return token{typ: tokenDatetime, literal: s, pos: start}
	}
	if typ, ok := filterKeywords[strings.ToLower(lit)]; ok {
		return token{typ: typ, literal: strings.ToLower(lit), pos: start}
	}
	return token{typ: tokenIdent, literal: lit, pos: start}
}

func (l *lexer) readNumber() token {
	start := l.pos
	if l.ch == '-' {
		l.readChar()
	}
	seenDot := false
	for isDigit(l.ch) || (l.ch == '.' && !seenDot) {
		if l.ch == '.' {
			seenDot = true
		}
		l.readChar()
	}
	return token{typ: tokenNumber, literal: l.input[start:l.pos], pos: start}
}

// readString consumes a quoted literal. Two quotes in a row stand for one.
func (l *lexer) readString() (string, bool) {
	l.readChar()
	var b strings.Builder
	for {
		switch {
		case l.ch == 0:
			return "", false
		case l.ch == '\'' && l.peekChar() == '\'':
			b.WriteByte('\'')
			l.readChar()
			l.readChar()
		case l.ch == '\'':
			l.readChar()
			return b.String(), true
		default:
			b.WriteByte(l.ch)
			l.readChar()
		}
	}
}

func isLetter(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func unsupported(format string, args ...interface{}) error {
	return offerr.NewValidationError(offerr.CodeUnsupportedQuery, fmt.Sprintf(format, args...))
}

// ParseFilter parses a conjunction of `column op literal` clauses.
func ParseFilter(expr string) ([]store.Filter, error) {
	l := newLexer(expr)
	var filters []store.Filter
	for {
		col := l.next()
		if col.typ != tokenIdent {
			return nil, unsupported("$filter: expected column at %d, found %q", col.pos, col.literal)
		}
		op := l.next()
		if op.typ != tokenOp {
			return nil, unsupported("$filter: expected operator at %d, found %q", op.pos, op.literal)
		}
		lit := l.next()
		val, err := literalValue(lit)
		if err != nil {
			return nil, err
		}
		filters = append(filters, store.Filter{Column: col.literal, Op: store.Op(op.literal), Value: val})

		switch t := l.next(); t.typ {
		case tokenEOF:
			return filters, nil
		case tokenAnd:
		default:
			return nil, unsupported("$filter: expected 'and' at %d, found %q", t.pos, t.literal)
		}
	}
}

func literalValue(t token) (types.Value, error) {
	switch t.typ {
	case tokenString:
		return types.Text(t.literal), nil
	case tokenTrue:
		return types.Bool(true), nil
	case tokenFalse:
		return types.Bool(false), nil
	case tokenNull:
		return types.Null(), nil
	case tokenNumber:
		if i, err := strconv.ParseInt(t.literal, 10, 64); err == nil {
			return types.Integer(i), nil
		}
		f, err := strconv.ParseFloat(t.literal, 64)
		if err != nil {
			return types.Value{}, unsupported("$filter: bad number %q", t.literal)
		}
		return types.Float(f), nil
	case tokenDatetime:
		d, err := types.ParseDate(t.literal)
		if err != nil {
			return types.Value{}, unsupported("$filter: bad datetime %q", t.literal)
		}
		return types.Date(d), nil
	}
	return types.Value{}, unsupported("$filter: expected literal at %d, found %q", t.pos, t.literal)
}

// ParseOrderBy parses a comma-separated `column [asc|desc]` list.
func ParseOrderBy(expr string) ([]store.Order, error) {
	var out []store.Order
	for _, part := range strings.Split(expr, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 || len(fields) > 2 {
			return nil, unsupported("$orderby: bad term %q", part)
		}
		o := store.Order{Column: fields[0]}
		if len(fields) == 2 {
			switch strings.ToLower(fields[1]) {
			case "asc":
			case "desc":
				o.Desc = true
			default:
				return nil, unsupported("$orderby: bad direction %q", fields[1])
			}
		}
		out = append(out, o)
	}
	return out, nil
}

// ParseQuery translates the query options of a collection read. Parameters
// without a leading `$` are left to the server; unknown `$` options are
// rejected so the read is not answered from an incomplete local view.
func ParseQuery(values url.Values) (store.Query, error) {
	var q store.Query
	for key, vals := range values {
		if !strings.HasPrefix(key, "$") {
			continue
		}
		if len(vals) != 1 {
			return store.Query{}, unsupported("%s given %d times", key, len(vals))
		}
		v := vals[0]

		var err error
		switch key {
		case "$filter":
			q.Filters, err = ParseFilter(v)
		case "$orderby":
			q.OrderBy, err = ParseOrderBy(v)
		case "$top":
			q.Limit, err = parseCount(key, v)
		case "$skip":
			q.Offset, err = parseCount(key, v)
		default:
			err = unsupported("query option %s is not supported locally", key)
		}
		if err != nil {
			return store.Query{}, err
		}
	}
	return q, nil
}

func parseCount(key, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, unsupported("%s: bad count %q", key, v)
	}
	return n, nil
}
