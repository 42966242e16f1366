package filter

import (
	"strconv"
	"strings"
	"time"

	"venator/internal/model"
	"venator/internal/value"
)

// Parse parses filter text into an AST (§4.2). Whitespace separates
// top-level terms and is insignificant outside quotes/regex literals.
func Parse(text string) (Filter, error) {
	p := &parser{input: []rune(text)}
	f, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	p.skipSpaces()
	if p.pos != len(p.input) {
		return nil, newErr(p.pos, ErrUnexpectedToken, "trailing input %q", string(p.input[p.pos:]))
	}
	return f, nil
}

type parser struct {
	input []rune
	pos   int
}

func (p *parser) peek() (rune, bool) {
	if p.pos >= len(p.input) {
		return 0, false
	}
	return p.input[p.pos], true
}

func (p *parser) advance() { p.pos++ }

func (p *parser) skipSpaces() {
	for {
		r, ok := p.peek()
		if !ok || !isSpace(r) {
			return
		}
		p.advance()
	}
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }

func isIdentRune(r rune) bool {
	return r == '_' || r == '-' || r == ':' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func (p *parser) parseFilter() (Filter, error) {
	var terms Filter
	p.skipSpaces()
	for {
		r, ok := p.peek()
		if !ok || r == ')' {
			break
		}
		term, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
		p.skipSpaces()
	}
	return terms, nil
}

func (p *parser) parseTerm() (Term, error) {
	start := p.pos
	negated := false
	if r, ok := p.peek(); ok && r == '!' {
		negated = true
		p.advance()
	}
	r, ok := p.peek()
	if !ok {
		return Term{}, newErr(p.pos, ErrUnexpectedToken, "expected term")
	}
	if r == '(' {
		p.advance()
		group, err := p.parseFilter()
		if err != nil {
			return Term{}, err
		}
		r, ok := p.peek()
		if !ok || r != ')' {
			return Term{}, newErr(p.pos, ErrUnexpectedToken, "expected ')'")
		}
		p.advance()
		return Term{Negated: negated, Group: group, Text: string(p.input[start:p.pos])}, nil
	}
	pred, err := p.parsePredicate()
	if err != nil {
		return Term{}, err
	}
	pred.Text = strings.TrimSpace(string(p.input[start:p.pos]))
	return Term{Negated: negated, Predicate: &pred, Text: pred.Text}, nil
}

func (p *parser) parsePredicate() (Predicate, error) {
	kind, prop, path, err := p.parseProperty()
	if err != nil {
		return Predicate{}, err
	}
	p.skipSpaces()
	op, err := p.parseOp()
	if err != nil {
		return Predicate{}, err
	}
	p.skipSpaces()
	lit, err := p.parseValue()
	if err != nil {
		return Predicate{}, err
	}
	return Predicate{Kind: kind, Property: prop, AttrPath: path, Op: op, RHS: lit}, nil
}

func (p *parser) parseProperty() (PropertyKind, string, []string, error) {
	r, ok := p.peek()
	if !ok {
		return 0, "", nil, newErr(p.pos, ErrUnexpectedToken, "expected property")
	}
	switch r {
	case '#':
		p.advance()
		start := p.pos
		for {
			r, ok := p.peek()
			if !ok || !isIdentRune(r) {
				break
			}
			p.advance()
		}
		if p.pos == start {
			return 0, "", nil, newErr(p.pos, ErrUnexpectedToken, "expected identifier after '#'")
		}
		name := string(p.input[start:p.pos])
		if !KnownInherentProperties[name] {
			return 0, "", nil, newErr(start, ErrUnknownProperty, "unknown inherent property %q", name)
		}
		return PropertyInherent, name, nil, nil
	case '@':
		p.advance()
		var path []string
		for {
			start := p.pos
			for {
				r, ok := p.peek()
				if !ok || !isIdentRune(r) {
					break
				}
				p.advance()
			}
			if p.pos == start {
				return 0, "", nil, newErr(p.pos, ErrUnexpectedToken, "expected identifier in attribute path")
			}
			path = append(path, string(p.input[start:p.pos]))
			r, ok := p.peek()
			if ok && r == '.' {
				p.advance()
				continue
			}
			break
		}
		return PropertyAttribute, strings.Join(path, "."), path, nil
	default:
		return 0, "", nil, newErr(p.pos, ErrUnexpectedToken, "expected '#' or '@'")
	}
}

func (p *parser) parseOp() (Op, error) {
	rest := string(p.input[p.pos:])
	for _, op := range []Op{OpNe, OpLe, OpGe, OpNotMatch, OpEq, OpLt, OpGt, OpMatch} {
		if strings.HasPrefix(rest, string(op)) {
			p.pos += len([]rune(string(op)))
			return op, nil
		}
	}
	return "", newErr(p.pos, ErrUnexpectedToken, "expected operator")
}

func (p *parser) parseValue() (Literal, error) {
	r, ok := p.peek()
	if !ok {
		return Literal{}, newErr(p.pos, ErrUnexpectedToken, "expected value")
	}
	switch r {
	case '"':
		s, err := p.parseQuotedString()
		if err != nil {
			return Literal{}, err
		}
		return Literal{Kind: ValueLiteral, Value: value.String(s)}, nil
	case '/':
		pattern, err := p.parseRegexLiteral()
		if err != nil {
			return Literal{}, err
		}
		return Literal{Kind: ValueRegex, Pattern: pattern}, nil
	default:
		start := p.pos
		for {
			r, ok := p.peek()
			if !ok || isSpace(r) || r == ')' {
				break
			}
			p.advance()
		}
		if p.pos == start {
			return Literal{}, newErr(p.pos, ErrUnexpectedToken, "expected value")
		}
		token := string(p.input[start:p.pos])
		v, err := parseBareToken(token, start)
		if err != nil {
			return Literal{}, err
		}
		return Literal{Kind: ValueLiteral, Value: v}, nil
	}
}

func (p *parser) parseQuotedString() (string, error) {
	start := p.pos
	p.advance() // opening quote
	var sb strings.Builder
	for {
		r, ok := p.peek()
		if !ok {
			return "", newErr(start, ErrUnexpectedToken, "unterminated string")
		}
		if r == '\\' {
			p.advance()
			esc, ok := p.peek()
			if !ok {
				return "", newErr(start, ErrUnexpectedToken, "unterminated escape")
			}
			sb.WriteRune(unescape(esc))
			p.advance()
			continue
		}
		if r == '"' {
			p.advance()
			return sb.String(), nil
		}
		sb.WriteRune(r)
		p.advance()
	}
}

func unescape(r rune) rune {
	switch r {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	default:
		return r
	}
}

func (p *parser) parseRegexLiteral() (string, error) {
	start := p.pos
	p.advance() // opening slash
	var sb strings.Builder
	for {
		r, ok := p.peek()
		if !ok {
			return "", newErr(start, ErrUnexpectedToken, "unterminated regex literal")
		}
		if r == '\\' {
			p.advance()
			esc, ok := p.peek()
			if !ok {
				return "", newErr(start, ErrUnexpectedToken, "unterminated escape")
			}
			if esc != '/' {
				sb.WriteRune('\\')
			}
			sb.WriteRune(esc)
			p.advance()
			continue
		}
		if r == '/' {
			p.advance()
			return sb.String(), nil
		}
		sb.WriteRune(r)
		p.advance()
	}
}

var durationSuffixes = []struct {
	suffix string
	unit   time.Duration
}{
	{"ns", time.Nanosecond},
	{"us", time.Microsecond},
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
}

// parseBareToken interprets an unquoted value token as Bool, Null,
// LevelName, Duration, Number, or falls back to a plain String (used as a
// bare comparison value or a wildcard pattern).
func parseBareToken(token string, pos int) (value.Value, error) {
	switch token {
	case "true":
		return value.Bool(true), nil
	case "false":
		return value.Bool(false), nil
	case "null":
		return value.Null(), nil
	}
	if lvl, ok := model.ParseLevel(token); ok {
		return value.Int64(int64(lvl)), nil
	}
	if d, ok := tryParseDuration(token); ok {
		return value.Int64(d), nil
	}
	if strings.ContainsAny(token, "0123456789") && isNumberLike(token) {
		if i, err := strconv.ParseInt(token, 10, 64); err == nil {
			return value.Int64(i), nil
		}
		if f, err := strconv.ParseFloat(token, 64); err == nil {
			return value.Double(f), nil
		}
		return value.Value{}, newErr(pos, ErrBadDuration, "malformed numeric token %q", token)
	}
	return value.String(token), nil
}

func isNumberLike(token string) bool {
	t := strings.TrimPrefix(token, "-")
	if t == "" {
		return false
	}
	for i, r := range t {
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == 'e' || r == 'E' {
			continue
		}
		if (r == '+' || r == '-') && i > 0 {
			continue
		}
		return false
	}
	return true
}

func tryParseDuration(token string) (int64, bool) {
	for _, d := range durationSuffixes {
		if strings.HasSuffix(token, d.suffix) {
			numPart := strings.TrimSuffix(token, d.suffix)
			if numPart == "" {
				continue
			}
			n, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				continue
			}
			return int64(n * float64(d.unit)), true
		}
	}
	return 0, false
}
