package wftemplates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetBuiltinTemplate(t *testing.T) {
	r := NewRegistry()
	tmpl, err := r.Get("customer_support")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, tmpl.Mode)
	assert.ElementsMatch(t, []string{"search_kb", "create_ticket", "escalate"}, tmpl.RequiredTools)
	assert.Equal(t, []string{"support_docs"}, tmpl.RequiredRetrievers)
}

func TestRegistry_AllSixBuiltinsPresent(t *testing.T) {
	r := NewRegistry()
	assert.ElementsMatch(t, []string{
		"customer_support", "code_assistant", "research_assistant",
		"general_chat", "document_qa", "data_analyst",
	}, r.List())
}

func TestRegistry_Get_Unknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nonexistent")
	require.Error(t, err)
}

func TestValidateRequirements_MissingTools(t *testing.T) {
	r := NewRegistry()
	v, err := r.ValidateRequirements("code_assistant", []string{"execute_code"}, nil)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.ElementsMatch(t, []string{"search_docs", "generate_tests"}, v.MissingTools)
}

func TestValidateRequirements_AllSatisfied(t *testing.T) {
	r := NewRegistry()
	v, err := r.ValidateRequirements("research_assistant", nil, []string{"research_docs"})
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Empty(t, v.MissingRetrievers)
}

func TestValidateRequirements_NoRequirementsAlwaysValid(t *testing.T) {
	r := NewRegistry()
	v, err := r.ValidateRequirements("general_chat", nil, nil)
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestMergeParams_OverridesWinWithoutMutatingTemplate(t *testing.T) {
	r := NewRegistry()
	tmpl, err := r.Get("general_chat")
	require.NoError(t, err)

	merged := MergeParams(tmpl, map[string]any{"memory_window": 5})
	assert.Equal(t, 5, merged["memory_window"])
	assert.Equal(t, 20, tmpl.DefaultParams["memory_window"], "original template must be unchanged")
}
