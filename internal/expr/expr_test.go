package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAndEval(t *testing.T) {
	tests := []struct {
		name string
		src  string
		vars map[string]float64
		want bool
	}{
		{"simple comparison", "error_rate > 0.1", map[string]float64{"error_rate": 1.0}, true},
		{"comparison false", "error_rate > 0.1", map[string]float64{"error_rate": 0.05}, false},
		{"arithmetic", "total_errors / 2 >= 5", map[string]float64{"total_errors": 10}, true},
		{"boolean and", "error_rate > 0.5 && severity >= 2", map[string]float64{"error_rate": 0.6, "severity": 3}, true},
		{"boolean or", "error_rate > 10 || component_errors == 3", map[string]float64{"error_rate": 0, "component_errors": 3}, true},
		{"word operators", "error_rate > 10 or not (severity < 1)", map[string]float64{"error_rate": 0, "severity": 4}, true},
		{"negation", "!(error_rate > 0.1)", map[string]float64{"error_rate": 0.05}, true},
		{"unary minus", "-error_rate < 0", map[string]float64{"error_rate": 1}, true},
		{"parens precedence", "(1 + 2) * 3 == 9", nil, true},
		{"literal true", "true", nil, true},
		{"equality", "severity == 4", map[string]float64{"severity": 4}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			prog, err := Compile(tc.src)
			require.NoError(t, err)
			got, err := prog.Eval(tc.vars)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCompileRejectsUnsafeSyntax(t *testing.T) {
	bad := []string{
		"__import__('os')",      // quoting
		"error_rate = 1",        // assignment
		"exec(x)",               // call syntax (parens after ident -> trailing input)
		"a & b",                 // bitwise
		"a | b",                 // bitwise
		"x; y",                  // statement separator
		"`cmd`",                 // backtick
		"error_rate >",          // truncated
		"(error_rate > 1",       // unbalanced parens
		"",                      // empty
		"1 2",                   // trailing input
	}
	for _, src := range bad {
		t.Run(src, func(t *testing.T) {
			_, err := Compile(src)
			require.Error(t, err, "expected compile error for %q", src)
			var ce *ConditionError
			assert.True(t, errors.As(err, &ce), "error should be a *ConditionError, got %T", err)
		})
	}
}

func TestEvalErrors(t *testing.T) {
	t.Run("unknown variable", func(t *testing.T) {
		prog, err := Compile("missing > 1")
		require.NoError(t, err)
		_, err = prog.Eval(map[string]float64{})
		var ce *ConditionError
		require.ErrorAs(t, err, &ce)
	})

	t.Run("non-boolean result", func(t *testing.T) {
		prog, err := Compile("1 + 1")
		require.NoError(t, err)
		_, err = prog.Eval(nil)
		require.Error(t, err)
	})

	t.Run("division by zero", func(t *testing.T) {
		prog, err := Compile("x / y > 1")
		require.NoError(t, err)
		_, err = prog.Eval(map[string]float64{"x": 1, "y": 0})
		require.Error(t, err)
	})

	t.Run("type mismatch", func(t *testing.T) {
		prog, err := Compile("true + 1 > 0")
		require.NoError(t, err)
		_, err = prog.Eval(nil)
		require.Error(t, err)
	})
}

func TestProgramVars(t *testing.T) {
	prog, err := Compile("error_rate > 0.1 && total_errors > 5 && error_rate < 2")
	require.NoError(t, err)
	assert.Equal(t, []string{"error_rate", "total_errors"}, prog.Vars())
}
