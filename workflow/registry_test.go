package workflow

import (
	"context"
	"testing"

	"github.com/BaSui01/dagflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestName_FormatAndParse(t *testing.T) {
	assert.Equal(t, "Fetch|42", FormatName("Fetch", "42"))

	tests := []struct {
		ref       string
		wantClass string
		wantID    string
	}{
		{"Fetch|42", "Fetch", "42"},
		{"Fetch", "Fetch", ""},
		{"Fetch|", "Fetch", ""},
		{"Fetch|a|b", "Fetch", "a|b"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.ref, func(t *testing.T) {
			class, id := ParseName(tt.ref)
			assert.Equal(t, tt.wantClass, class)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestName_MatchesRef(t *testing.T) {
	n := &Node{Class: "Fetch", ID: "42"}
	assert.True(t, matchesRef(n, "Fetch"))
	assert.True(t, matchesRef(n, "Fetch|42"))
	assert.False(t, matchesRef(n, "Fetch|43"))
	assert.False(t, matchesRef(n, "Parse"))
}

func TestRegistry_RejectsInvalidClasses(t *testing.T) {
	r := NewRegistry()
	noop := JobFunc(func(context.Context, *Node) error { return nil })

	for _, class := range []string{"", "a|b", "a.b", "a*", "with space"} {
		err := r.RegisterJobFunc(class, noop)
		assert.True(t, types.IsErrorCode(err, types.ErrInvalidClass), class)
	}
	assert.Error(t, r.RegisterJobFunc("Nil", nil))
	assert.Error(t, r.RegisterJob("NilFactory", nil))
}

func TestRegistry_JobAndWorkflowNamespacesDisjoint(t *testing.T) {
	r := NewRegistry()
	noop := JobFunc(func(context.Context, *Node) error { return nil })

	require.NoError(t, r.RegisterJobFunc("Fetch", noop))
	require.NoError(t, r.RegisterWorkflow("Pipeline", nil))

	assert.Error(t, r.RegisterWorkflow("Fetch", nil))
	assert.Error(t, r.RegisterJobFunc("Pipeline", noop))

	assert.True(t, r.IsJob("Fetch"))
	assert.False(t, r.IsWorkflow("Fetch"))
	assert.True(t, r.IsWorkflow("Pipeline"))
}

func TestRegistry_NewJob(t *testing.T) {
	r := NewRegistry()
	calls := 0
	require.NoError(t, r.RegisterJob("Counter", func() Job {
		calls++
		return JobFunc(func(context.Context, *Node) error { return nil })
	}))

	_, err := r.NewJob("Counter")
	require.NoError(t, err)
	_, err = r.NewJob("Counter")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	_, err = r.NewJob("Missing")
	assert.True(t, types.IsErrorCode(err, types.ErrUnknownClass))
}

func TestRegistry_IsWorkflowReference(t *testing.T) {
	r := NewRegistry()
	noop := JobFunc(func(context.Context, *Node) error { return nil })
	require.NoError(t, r.RegisterWorkflow("Pipeline", nil))
	require.NoError(t, r.RegisterJobFunc("WorkflowAuditJob", noop))

	assert.True(t, r.IsWorkflowReference("Pipeline|1"))
	assert.True(t, r.IsWorkflowReference("Pipeline"))
	assert.False(t, r.IsWorkflowReference("WorkflowAuditJob|1"), "registered job wins over naming")
	assert.True(t, r.IsWorkflowReference("LegacyWorkflow|1"), "naming convention for unknown classes")
	assert.True(t, r.IsWorkflowReference("legacyworkflow"))
	assert.False(t, r.IsWorkflowReference("Fetch|1"))
}

func TestRegistry_DefaultCallbackMode(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterWorkflow("Plain", nil))
	require.NoError(t, r.RegisterWorkflow("Fast", nil, WithCallbackMode(CallbackImmediate)))

	variant, err := r.workflowVariant("Plain")
	require.NoError(t, err)
	assert.Equal(t, CallbackBatched, variant.mode)

	variant, err = r.workflowVariant("Fast")
	require.NoError(t, err)
	assert.Equal(t, CallbackImmediate, variant.mode)

	_, err = r.workflowVariant("Unknown")
	assert.Error(t, err)
	_, err = NewRegistry().AllowUnknown().workflowVariant("Unknown")
	assert.NoError(t, err)
}
