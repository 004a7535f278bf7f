package runner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVariablePrecedence(t *testing.T) {
	t.Parallel()

	set := NewVariableSet()
	set.Put(Variable{Name: "X", Value: "system", Origin: OriginSystem})
	set.Put(Variable{Name: "X", Value: "pipeline", Origin: OriginPipeline})
	set.Put(Variable{Name: "X", Value: "deployment", Origin: OriginDeployment})
	set.Put(Variable{Name: "X", Value: "user", Origin: OriginUser})
	set.Put(Variable{Name: "X", Value: "step", Origin: OriginStepLocal})

	value, ok := set.Get("X")
	require.True(t, ok)
	require.Equal(t, "step", value)

	// A lower-precedence definition arriving later never wins.
	set.Put(Variable{Name: "X", Value: "system again", Origin: OriginSystem})
	value, _ = set.Get("X")
	require.Equal(t, "step", value)
}

func TestVariablePrecedencePairs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		first  Origin
		second Origin
		want   string
	}{
		{"user over deployment", OriginDeployment, OriginUser, "second"},
		{"deployment over pipeline", OriginPipeline, OriginDeployment, "second"},
		{"pipeline over system", OriginSystem, OriginPipeline, "second"},
		{"step-local over user", OriginUser, OriginStepLocal, "second"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			set := NewVariableSet()
			set.Put(Variable{Name: "V", Value: "first", Origin: tc.first})
			set.Put(Variable{Name: "V", Value: "second", Origin: tc.second})
			value, _ := set.Get("V")
			require.Equal(t, tc.want, value)
		})
	}
}

func TestVariableSetEnvironSorted(t *testing.T) {
	t.Parallel()

	set := NewVariableSet()
	set.Put(Variable{Name: "B", Value: "2", Origin: OriginSystem})
	set.Put(Variable{Name: "A", Value: "1", Origin: OriginSystem})
	set.Put(Variable{Name: "C", Value: "3", Origin: OriginSystem})

	require.Equal(t, []string{"A=1", "B=2", "C=3"}, set.Environ())
}

func TestVariableSetSecretValues(t *testing.T) {
	t.Parallel()

	set := NewVariableSet()
	set.Put(Variable{Name: "PUBLIC", Value: "visible", Origin: OriginUser})
	set.Put(Variable{Name: "TOKEN", Value: "hunter2", Origin: OriginDeployment, Secret: true})
	set.Put(Variable{Name: "BLANK", Value: "", Origin: OriginDeployment, Secret: true})

	require.Equal(t, []string{"hunter2"}, set.SecretValues())
}
