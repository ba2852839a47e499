package subscription

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/go-cmp/cmp"

	"github.com/vinayprograms/docrpc/errors"
)

// Filter narrows the changes a subscription receives. Match requires each
// listed field to equal the given value. Where is a boolean expression
// evaluated with the record fields as variables, plus id, change and
// resource_type. Both must pass.
type Filter struct {
	Match map[string]interface{} `json:"match,omitempty"`
	Where string                 `json:"where,omitempty"`

	program *vm.Program
}

// Empty reports whether the filter accepts everything.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.Match) == 0 && f.Where == "")
}

// Compile prepares Where. It returns a FILTER_ERROR for an expression that
// does not parse or does not yield a boolean.
func (f *Filter) Compile() error {
	if f == nil || f.Where == "" {
		return nil
	}
	program, err := expr.Compile(f.Where, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return errors.Filter(fmt.Sprintf("invalid where expression: %v", err), errors.WithCause(err))
	}
	f.program = program
	return nil
}

// Matches reports whether c passes the filter. A nil filter matches
// everything. Compile must have been called for Where to apply.
func (f *Filter) Matches(c Change) (bool, error) {
	if f.Empty() {
		return true, nil
	}
	data := c.Data()
	for field, want := range f.Match {
		got, ok := data[field]
		if !ok || !equalValue(got, want) {
			return false, nil
		}
	}
	if f.program == nil {
		return true, nil
	}

	env := make(map[string]interface{}, len(data)+3)
	for k, v := range data {
		env[k] = v
	}
	env["id"] = c.ResourceID
	env["change"] = string(c.Type)
	env["resource_type"] = c.ResourceType

	out, err := expr.Run(f.program, env)
	if err != nil {
		return false, err
	}
	ok, _ := out.(bool)
	return ok, nil
}

// equalValue compares decoded JSON values, treating every numeric type
// as float64.
func equalValue(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return cmp.Equal(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}
