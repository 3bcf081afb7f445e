package materialize

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-engine/internal/source"
)

// EvalResult is the outcome of evaluating a value expression against one row.
type EvalResult struct {
	Value float64

	// Inputs records every column reference and the numeric value it
	// contributed, for the rule trace.
	Inputs map[string]float64

	// NullColumns lists referenced columns that were null in the source and
	// coerced to the arithmetic identity.
	NullColumns []string
}

// EvalExpr evaluates an arithmetic expression (identifiers, numeric literals,
// + - * /, parentheses, unary minus, COALESCE and ABS) against a row. Null
// cells outside an explicit COALESCE coerce to 0 and are recorded; a
// non-numeric cell is an error.
func EvalExpr(expr string, row source.Row) (*EvalResult, error) {
	p := &exprParser{
		tokens: tokenize(expr),
		row:    row,
		result: &EvalResult{Inputs: map[string]float64{}},
	}
	v, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, eris.Errorf("materialize: trailing tokens in expression %q", expr)
	}
	p.result.Value = v.value
	return p.result, nil
}

// exprValue carries nullability through evaluation so COALESCE can observe it.
type exprValue struct {
	value float64
	null  bool
}

type exprParser struct {
	tokens        []string
	pos           int
	row           source.Row
	result        *EvalResult
	coalesceDepth int
}

func (p *exprParser) done() bool { return p.pos >= len(p.tokens) }

func (p *exprParser) peek() string {
	if p.done() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *exprParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *exprParser) expect(tok string) error {
	if p.peek() != tok {
		return eris.Errorf("materialize: expected %q, got %q", tok, p.peek())
	}
	p.pos++
	return nil
}

func (p *exprParser) parseExpr() (exprValue, error) {
	left, err := p.parseTerm()
	if err != nil {
		return exprValue{}, err
	}
	for {
		switch p.peek() {
		case "+":
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return exprValue{}, err
			}
			left = exprValue{value: left.value + right.value}
		case "-":
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return exprValue{}, err
			}
			left = exprValue{value: left.value - right.value}
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (exprValue, error) {
	left, err := p.parseFactor()
	if err != nil {
		return exprValue{}, err
	}
	for {
		switch p.peek() {
		case "*":
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return exprValue{}, err
			}
			left = exprValue{value: left.value * right.value}
		case "/":
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return exprValue{}, err
			}
			if right.value == 0 {
				return exprValue{}, eris.New("materialize: division by zero in expression")
			}
			left = exprValue{value: left.value / right.value}
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseFactor() (exprValue, error) {
	tok := p.next()
	switch {
	case tok == "":
		return exprValue{}, eris.New("materialize: unexpected end of expression")

	case tok == "-":
		v, err := p.parseFactor()
		if err != nil {
			return exprValue{}, err
		}
		return exprValue{value: -v.value, null: v.null}, nil

	case tok == "(":
		v, err := p.parseExpr()
		if err != nil {
			return exprValue{}, err
		}
		return v, p.expect(")")

	case isNumber(tok):
		f, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return exprValue{}, eris.Wrapf(err, "materialize: bad numeric literal %q", tok)
		}
		return exprValue{value: f}, nil

	case strings.EqualFold(tok, "COALESCE"):
		p.coalesceDepth++
		args, err := p.parseArgs()
		p.coalesceDepth--
		if err != nil {
			return exprValue{}, err
		}
		for _, a := range args {
			if !a.null {
				return a, nil
			}
		}
		return exprValue{null: true}, nil

	case strings.EqualFold(tok, "ABS"):
		args, err := p.parseArgs()
		if err != nil {
			return exprValue{}, err
		}
		if len(args) != 1 {
			return exprValue{}, eris.New("materialize: ABS takes one argument")
		}
		v := args[0].value
		if v < 0 {
			v = -v
		}
		return exprValue{value: v, null: args[0].null}, nil

	default:
		return p.resolveIdent(tok)
	}
}

func (p *exprParser) parseArgs() ([]exprValue, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	var args []exprValue
	for {
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, v)
		switch p.peek() {
		case ",":
			p.pos++
		case ")":
			p.pos++
			return args, nil
		default:
			return nil, eris.Errorf("materialize: expected ',' or ')', got %q", p.peek())
		}
	}
}

// resolveIdent looks a column up in the row. A null read inside COALESCE is
// handled by the formula itself and not recorded; a null anywhere else is
// coerced to zero and flagged on the row.
func (p *exprParser) resolveIdent(name string) (exprValue, error) {
	v, ok := p.row[name]
	if !ok || v == nil {
		if p.coalesceDepth == 0 {
			p.result.NullColumns = append(p.result.NullColumns, name)
		}
		p.result.Inputs[name] = 0
		return exprValue{null: true}, nil
	}
	f, ok := source.Float64(v)
	if !ok {
		return exprValue{}, eris.Errorf("materialize: column %s holds non-numeric value %v", name, v)
	}
	p.result.Inputs[name] = f
	return exprValue{value: f}, nil
}

// tokenize splits an expression into identifiers, numbers, and operators.
func tokenize(expr string) []string {
	var tokens []string
	runes := []rune(expr)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(' || r == ')' || r == ',' || r == '+' || r == '-' || r == '*' || r == '/':
			tokens = append(tokens, string(r))
			i++
		case unicode.IsDigit(r) || r == '.':
			j := i
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_' || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		default:
			// Unknown rune, skip; the parser will surface a useful error.
			i++
		}
	}
	return tokens
}

func isNumber(tok string) bool {
	if tok == "" {
		return false
	}
	r := rune(tok[0])
	return unicode.IsDigit(r) || (r == '.' && len(tok) > 1)
}
