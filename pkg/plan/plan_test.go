package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    Plan
		wantErr string
	}{
		{
			name: "valid chain",
			plan: Plan{Workers: []WorkerSpec{
				{Name: "a"},
				{Name: "b", DependsOn: []string{"a"}},
				{Name: "c", DependsOn: []string{"a", "b"}},
			}},
		},
		{
			name:    "empty",
			plan:    Plan{},
			wantErr: "no workers",
		},
		{
			name: "duplicate worker",
			plan: Plan{Workers: []WorkerSpec{
				{Name: "a"}, {Name: "a"},
			}},
			wantErr: "declared twice",
		},
		{
			name: "unknown dependency",
			plan: Plan{Workers: []WorkerSpec{
				{Name: "a", DependsOn: []string{"ghost"}},
			}},
			wantErr: "undeclared worker ghost",
		},
		{
			name: "self dependency",
			plan: Plan{Workers: []WorkerSpec{
				{Name: "a", DependsOn: []string{"a"}},
			}},
			wantErr: "depends on itself",
		},
		{
			name: "cycle",
			plan: Plan{Workers: []WorkerSpec{
				{Name: "a", DependsOn: []string{"c"}},
				{Name: "b", DependsOn: []string{"a"}},
				{Name: "c", DependsOn: []string{"b"}},
			}},
			wantErr: "dependency cycle",
		},
		{
			name: "bad name",
			plan: Plan{Workers: []WorkerSpec{
				{Name: "not a name!"},
			}},
			wantErr: "worker name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestTopoLevels(t *testing.T) {
	p := Plan{Workers: []WorkerSpec{
		{Name: "migrate"},
		{Name: "seed", DependsOn: []string{"migrate"}},
		{Name: "api", DependsOn: []string{"migrate"}},
		{Name: "smoke", DependsOn: []string{"seed", "api"}},
	}}

	levels, err := p.TopoLevels()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"migrate"},
		{"api", "seed"},
		{"smoke"},
	}, levels)
}

func TestTopoLevelsCycleNamesWorkers(t *testing.T) {
	p := Plan{Workers: []WorkerSpec{
		{Name: "x", DependsOn: []string{"y"}},
		{Name: "y", DependsOn: []string{"x"}},
		{Name: "z"},
	}}

	_, err := p.TopoLevels()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x")
	assert.Contains(t, err.Error(), "y")
	assert.NotContains(t, err.Error(), "z")
}

func TestWorkerLookup(t *testing.T) {
	p := Plan{Workers: []WorkerSpec{
		{Name: "a", Description: "first"},
		{Name: "b"},
	}}

	require.NotNil(t, p.Worker("a"))
	assert.Equal(t, "first", p.Worker("a").Description)
	assert.Nil(t, p.Worker("missing"))
	assert.Equal(t, []string{"a", "b"}, p.Names())
}
