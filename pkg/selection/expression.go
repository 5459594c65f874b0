package selection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"subframeselector/pkg/scheduler"
)

// Variable is one named value of the expression context.
type Variable struct {
	Name    string
	Value   float64
	Integer bool
}

// Variables returns the expression context of item: every property with
// its Min, Max, Median and Sigma variants, in presentation units.
func Variables(item *scheduler.MeasureItem, props *Properties, u Units) []Variable {
	vars := []Variable{{Name: "Index", Value: float64(item.Index), Integer: true}}
	for p := PropWeight; p < numProperties; p++ {
		name := p.String()
		v := u.Value(item, p)
		st := props.Of(p)
		vars = append(vars,
			Variable{Name: name, Value: v, Integer: p == PropStars},
			Variable{Name: name + "Min", Value: st.Min},
			Variable{Name: name + "Max", Value: st.Max},
			Variable{Name: name + "Median", Value: st.Median},
			Variable{Name: name + "Sigma", Value: st.Sigma(v)},
		)
	}
	return vars
}

// Prelude renders vars as "let Name = value;" lines.
func Prelude(vars []Variable) string {
	var b strings.Builder
	for _, v := range vars {
		if v.Integer {
			fmt.Fprintf(&b, "let %s = %d;\n", v.Name, int64(v.Value))
		} else {
			fmt.Fprintf(&b, "let %s = %.4f;\n", v.Name, v.Value)
		}
	}
	return b.String()
}

// Evaluator evaluates a user expression against a variable context.
type Evaluator interface {
	EvalBool(vars []Variable, expression string) (bool, error)
	EvalFloat(vars []Variable, expression string) (float64, error)
}

// ExprEvaluator evaluates expressions with expr-lang. Compiled programs are
// reused across calls. Failed evaluations are logged at debug level with
// the variable context when Logger is set.
type ExprEvaluator struct {
	Logger *slog.Logger

	mu       sync.Mutex
	programs map[string]*vm.Program
}

// NewExprEvaluator returns an empty evaluator.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{programs: make(map[string]*vm.Program)}
}

func env(vars []Variable) map[string]any {
	m := make(map[string]any, len(vars))
	for _, v := range vars {
		if v.Integer {
			m[v.Name] = int(v.Value)
		} else {
			m[v.Name] = v.Value
		}
	}
	return m
}

func (e *ExprEvaluator) program(kind, expression string, environment map[string]any, opt expr.Option) (*vm.Program, error) {
	key := kind + "\x00" + expression
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.programs == nil {
		e.programs = make(map[string]*vm.Program)
	}
	if p, ok := e.programs[key]; ok {
		return p, nil
	}
	p, err := expr.Compile(expression, expr.Env(environment), opt)
	if err != nil {
		return nil, err
	}
	e.programs[key] = p
	return p, nil
}

func (e *ExprEvaluator) failed(vars []Variable, expression string, err error) {
	if e.Logger == nil || !e.Logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	e.Logger.Debug("Expression evaluation failed", "expression", expression, "error", err, "context", Prelude(vars))
}

// EvalBool implements Evaluator.
func (e *ExprEvaluator) EvalBool(vars []Variable, expression string) (b bool, err error) {
	defer func() {
		if err != nil {
			e.failed(vars, expression, err)
		}
	}()
	environment := env(vars)
	p, err := e.program("bool", expression, environment, expr.AsBool())
	if err != nil {
		return false, err
	}
	out, err := expr.Run(p, environment)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q is not boolean", expression)
	}
	return b, nil
}

// EvalFloat implements Evaluator.
func (e *ExprEvaluator) EvalFloat(vars []Variable, expression string) (f float64, err error) {
	defer func() {
		if err != nil {
			e.failed(vars, expression, err)
		}
	}()
	environment := env(vars)
	p, err := e.program("float", expression, environment, expr.AsFloat64())
	if err != nil {
		return 0, err
	}
	out, err := expr.Run(p, environment)
	if err != nil {
		return 0, err
	}
	f, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("expression %q is not numeric", expression)
	}
	return f, nil
}

// ErrInvalidExpression is returned for expressions IsValidExpression rejects.
var ErrInvalidExpression = errors.New("invalid expression")

// IsValidExpression is a first-line syntax check: allowed characters,
// balanced brackets and paired && and || operators. Empty is valid.
func IsValidExpression(expression string) bool {
	var paren, bracket, brace, and, or int
	for _, c := range expression {
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && !unicode.IsSpace(c) &&
			!strings.ContainsRune("()[]{}&|*+-/.,%?:_<>=!;", c) {
			return false
		}
		switch c {
		case '(':
			paren++
		case ')':
			paren--
		case '[':
			bracket++
		case ']':
			bracket--
		case '{':
			brace++
		case '}':
			brace--
		case '&':
			and++
		case '|':
			or++
		}
	}
	return paren == 0 && bracket == 0 && brace == 0 && and%2 == 0 && or%2 == 0
}

// Approve sets Enabled on every unlocked item from expression. A blank
// expression approves them all.
func Approve(items []scheduler.MeasureItem, expression string, u Units, ev Evaluator) error {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		for i := range items {
			if !items[i].Locked {
				items[i].Enabled = true
			}
		}
		return nil
	}
	if !IsValidExpression(expression) {
		return fmt.Errorf("approval: %w: %s", ErrInvalidExpression, expression)
	}
	props := MeasureProperties(items, u)
	for i := range items {
		if items[i].Locked {
			continue
		}
		ok, err := ev.EvalBool(Variables(&items[i], &props, u), expression)
		if err != nil {
			return fmt.Errorf("Approval error: %w", err)
		}
		items[i].Enabled = ok
	}
	return nil
}

// Weigh sets Weight on every item from expression. A blank expression
// sets all weights to zero.
func Weigh(items []scheduler.MeasureItem, expression string, u Units, ev Evaluator) error {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		for i := range items {
			items[i].Weight = 0
		}
		return nil
	}
	if !IsValidExpression(expression) {
		return fmt.Errorf("weighting: %w: %s", ErrInvalidExpression, expression)
	}
	props := MeasureProperties(items, u)
	weights := make([]float64, len(items))
	for i := range items {
		w, err := ev.EvalFloat(Variables(&items[i], &props, u), expression)
		if err != nil {
			return fmt.Errorf("Weighting error: %w", err)
		}
		weights[i] = w
	}
	for i := range items {
		items[i].Weight = weights[i]
	}
	return nil
}
