package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatus(t *testing.T) {
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
	assert.True(t, TaskStatusCancelled.Terminal())
	assert.False(t, TaskStatusPending.Terminal())

	assert.True(t, TaskStatusAssigned.Active())
	assert.True(t, TaskStatusRunning.Active())
	assert.False(t, TaskStatusCompleted.Active())
}

func TestTaskResultEqual(t *testing.T) {
	a := &TaskResult{Output: []byte(`"x"`), TokensGenerated: 3}
	b := &TaskResult{Output: []byte(`"x"`), TokensGenerated: 3}
	c := &TaskResult{Output: []byte(`"y"`), TokensGenerated: 3}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))

	var nilResult *TaskResult
	assert.True(t, nilResult.Equal(nil))
}

func TestAgentSupports(t *testing.T) {
	universal := &Agent{}
	assert.True(t, universal.Supports("anything"))

	scoped := &Agent{Capabilities: []string{"llama-7b", "mistral-7b"}}
	assert.True(t, scoped.Supports("llama-7b"))
	assert.False(t, scoped.Supports("gpt-j"))
}

func TestTaskClone(t *testing.T) {
	orig := &Task{ID: "t1", Input: []byte(`{"prompt":"hi"}`), Result: &TaskResult{Output: []byte(`"x"`)}}
	clone := orig.Clone()

	clone.Input[0] = '?'
	clone.Result.Output[0] = '?'
	assert.Equal(t, byte('{'), orig.Input[0])
	assert.Equal(t, byte('"'), orig.Result.Output[0])
}
