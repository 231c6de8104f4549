package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_PlainGraphShape(t *testing.T) {
	wf, err := Build(ModePlain, map[string]any{"system_message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{"system_prompt", "model"}, wf.StepNames())
}

func TestBuild_RAGGraphShape(t *testing.T) {
	wf, err := Build(ModeRAG, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"system_prompt", "retriever", "model"}, wf.StepNames())
}

func TestBuild_RAGGraphShape_WithMemory(t *testing.T) {
	wf, err := Build(ModeRAG, map[string]any{"enable_memory": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"system_prompt", "retriever", "memory", "model"}, wf.StepNames())
}

func TestBuild_ToolsGraphShape(t *testing.T) {
	wf, err := Build(ModeTools, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"system_prompt", "model", "tool_router"}, wf.StepNames())
}

func TestBuild_FullGraphShape(t *testing.T) {
	wf, err := Build(ModeFull, map[string]any{"enable_memory": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"system_prompt", "retriever", "memory", "model", "tool_router"}, wf.StepNames())
}

func TestBuild_UnknownMode(t *testing.T) {
	_, err := Build(Mode("bogus"), nil)
	require.Error(t, err)
}

func TestBuild_UnknownConfigKey(t *testing.T) {
	_, err := Build(ModePlain, map[string]any{"bogus_key": 1})
	require.Error(t, err)
}

func TestBuild_MaxToolCallsOverride(t *testing.T) {
	wf, err := Build(ModeTools, map[string]any{"max_tool_calls": 3})
	require.NoError(t, err)
	assert.Equal(t, 3, wf.Config.MaxToolCalls)
}
