package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize_FillsDefaults(t *testing.T) {
	out := EvaluationOutput{}
	out.Normalize()

	require.NotNil(t, out.Messages)
	require.Empty(t, out.Messages)
	require.NotNil(t, out.Spawns)
	require.Empty(t, out.Spawns)
	require.Equal(t, "", out.Output)
}

func TestNormalize_NumberOutputBecomesDecimalString(t *testing.T) {
	out := EvaluationOutput{Output: float64(42)}
	out.Normalize()
	require.Equal(t, "42", out.Output)

	out = EvaluationOutput{Output: 3.5}
	out.Normalize()
	require.Equal(t, "3.5", out.Output)
}

func TestNormalize_StringAndObjectPassThrough(t *testing.T) {
	out := EvaluationOutput{Output: "ok"}
	out.Normalize()
	require.Equal(t, "ok", out.Output)

	obj := map[string]any{"happy": true}
	out = EvaluationOutput{Output: obj}
	out.Normalize()
	require.Equal(t, obj, out.Output)
}

func TestNewStreamId(t *testing.T) {
	require.Equal(t, StreamId("proc@100"), NewStreamId("proc", 100))
	require.Equal(t, StreamId("proc@0"), NewStreamId("proc", 0))
}

func TestSanitizedTags(t *testing.T) {
	msg := &Message{Tags: []Tag{
		{Name: "From", Value: "x"},
		{Name: "function", Value: "hello"},
		{Name: "Owner", Value: "y"},
	}}

	require.Equal(t, []Tag{{Name: "function", Value: "hello"}}, msg.SanitizedTags())
	// 原消息不被修改
	require.Len(t, msg.Tags, 3)
}
