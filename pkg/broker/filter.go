package broker

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/marmos91/dittomq/pkg/protocol"
)

// Header identifiers a filter can reference besides message properties.
const (
	FilterKeyAddress    = "DMQAddress"
	FilterKeyDurable    = "DMQDurable"
	FilterKeyPriority   = "DMQPriority"
	FilterKeyTimestamp  = "DMQTimestamp"
	FilterKeyExpiration = "DMQExpiration"
	FilterKeyUserID     = "DMQUserID"
)

// Filter selects messages by header and property values.
//
// A filter is a conjunction of comparisons joined by AND:
//
//	color = 'red' AND weight >= 10 AND region <> 'eu'
//
// String literals are single-quoted ('' escapes a quote) and support = and
// <> (or !=). Numeric literals support every comparison operator; the
// message value must then parse as a number. A comparison against a
// property the message does not carry is false.
type Filter struct {
	expr  string
	preds []predicate
}

type compareOp int

const (
	opEq compareOp = iota
	opNe
	opLt
	opLe
	opGt
	opGe
)

type predicate struct {
	key   string
	op    compareOp
	str   string
	num   float64
	isNum bool
}

// ParseFilter parses expr. An empty expression yields a nil filter, which
// matches every message.
func ParseFilter(expr string) (*Filter, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}

	s := &filterScanner{src: expr}
	f := &Filter{expr: expr}
	for {
		pred, err := s.predicate()
		if err != nil {
			return nil, err
		}
		f.preds = append(f.preds, pred)

		tok, err := s.next()
		if err != nil {
			return nil, err
		}
		if tok.kind == tokEOF {
			return f, nil
		}
		if tok.kind != tokIdent || !strings.EqualFold(tok.text, "AND") {
			return nil, fmt.Errorf("expected AND at offset %d, found %q", tok.pos, tok.text)
		}
	}
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Match reports whether m satisfies every comparison of the filter.
func (f *Filter) Match(m *protocol.Message) bool {
	if f == nil {
		return true
	}
	for _, p := range f.preds {
		if !p.match(m) {
			return false
		}
	}
	return true
}

func (p predicate) match(m *protocol.Message) bool {
	value, ok := headerValue(m, p.key)
	if !ok {
		return false
	}

	if !p.isNum {
		switch p.op {
		case opEq:
			return value == p.str
		case opNe:
			return value != p.str
		}
		return false
	}

	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false
	}
	switch p.op {
	case opEq:
		return n == p.num
	case opNe:
		return n != p.num
	case opLt:
		return n < p.num
	case opLe:
		return n <= p.num
	case opGt:
		return n > p.num
	case opGe:
		return n >= p.num
	}
	return false
}

func headerValue(m *protocol.Message, key string) (string, bool) {
	switch key {
	case FilterKeyAddress:
		return m.Address, true
	case FilterKeyDurable:
		return strconv.FormatBool(m.Durable), true
	case FilterKeyPriority:
		return strconv.FormatInt(int64(m.Priority), 10), true
	case FilterKeyTimestamp:
		return strconv.FormatInt(m.Timestamp, 10), true
	case FilterKeyExpiration:
		return strconv.FormatInt(m.Expiration, 10), true
	case FilterKeyUserID:
		return m.UserID, m.UserID != ""
	}
	return m.Property(key)
}

// ============================================================================
// Scanner
// ============================================================================

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type filterScanner struct {
	src string
	pos int
}

func (s *filterScanner) predicate() (predicate, error) {
	key, err := s.next()
	if err != nil {
		return predicate{}, err
	}
	if key.kind != tokIdent {
		return predicate{}, fmt.Errorf("expected identifier at offset %d, found %q", key.pos, key.text)
	}

	opTok, err := s.next()
	if err != nil {
		return predicate{}, err
	}
	if opTok.kind != tokOp {
		return predicate{}, fmt.Errorf("expected comparison operator after %s at offset %d", key.text, opTok.pos)
	}
	op := parseOp(opTok.text)

	lit, err := s.next()
	if err != nil {
		return predicate{}, err
	}

	pred := predicate{key: key.text, op: op}
	switch lit.kind {
	case tokString:
		if op != opEq && op != opNe {
			return predicate{}, fmt.Errorf("operator %s is not defined for strings (offset %d)", opTok.text, opTok.pos)
		}
		pred.str = lit.text
	case tokNumber:
		n, err := strconv.ParseFloat(lit.text, 64)
		if err != nil {
			return predicate{}, fmt.Errorf("invalid number %q at offset %d", lit.text, lit.pos)
		}
		pred.num = n
		pred.isNum = true
	default:
		return predicate{}, fmt.Errorf("expected literal at offset %d, found %q", lit.pos, lit.text)
	}
	return pred, nil
}

func parseOp(op string) compareOp {
	switch op {
	case "<>", "!=":
		return opNe
	case "<":
		return opLt
	case "<=":
		return opLe
	case ">":
		return opGt
	case ">=":
		return opGe
	}
	return opEq
}

func (s *filterScanner) next() (token, error) {
	for s.pos < len(s.src) && unicode.IsSpace(rune(s.src[s.pos])) {
		s.pos++
	}
	if s.pos >= len(s.src) {
		return token{kind: tokEOF, pos: s.pos}, nil
	}

	start := s.pos
	c := s.src[s.pos]
	switch {
	case c == '\'':
		return s.stringLiteral()

	case c == '=':
		s.pos++
		return token{kind: tokOp, text: "=", pos: start}, nil

	case c == '<' || c == '>' || c == '!':
		s.pos++
		if s.pos < len(s.src) && (s.src[s.pos] == '=' || (c == '<' && s.src[s.pos] == '>')) {
			s.pos++
		}
		text := s.src[start:s.pos]
		if text == "!" {
			return token{}, fmt.Errorf("unexpected '!' at offset %d", start)
		}
		return token{kind: tokOp, text: text, pos: start}, nil

	case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
		s.pos++
		for s.pos < len(s.src) && (s.src[s.pos] == '.' || (s.src[s.pos] >= '0' && s.src[s.pos] <= '9')) {
			s.pos++
		}
		return token{kind: tokNumber, text: s.src[start:s.pos], pos: start}, nil

	case isIdentStart(c):
		for s.pos < len(s.src) && isIdentPart(s.src[s.pos]) {
			s.pos++
		}
		return token{kind: tokIdent, text: s.src[start:s.pos], pos: start}, nil
	}

	return token{}, fmt.Errorf("unexpected character %q at offset %d", c, start)
}

func (s *filterScanner) stringLiteral() (token, error) {
	start := s.pos
	s.pos++ // opening quote

	var b strings.Builder
	for s.pos < len(s.src) {
		c := s.src[s.pos]
		if c == '\'' {
			if s.pos+1 < len(s.src) && s.src[s.pos+1] == '\'' {
				b.WriteByte('\'')
				s.pos += 2
				continue
			}
			s.pos++
			return token{kind: tokString, text: b.String(), pos: start}, nil
		}
		b.WriteByte(c)
		s.pos++
	}
	return token{}, fmt.Errorf("unterminated string starting at offset %d", start)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c == '.' || (c >= '0' && c <= '9')
}
