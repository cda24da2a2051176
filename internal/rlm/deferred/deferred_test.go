package deferred

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func op(id string, kind Kind, params string) Operation {
	return Operation{ID: id, Kind: kind, Params: json.RawMessage(params)}
}

func TestRegistry_ResolveOnce(t *testing.T) {
	r := NewRegistry()
	added, err := r.Track(op("a", KindLLMCall, `{"prompt":"hi"}`))
	require.NoError(t, err)
	assert.True(t, added)

	require.NoError(t, r.Resolve("a"))
	err = r.Resolve("a")
	require.ErrorIs(t, err, ErrUnknownOperation)

	state, ok := r.State("a")
	require.True(t, ok)
	assert.Equal(t, StateResolved, state)
}

func TestRegistry_UnknownID(t *testing.T) {
	r := NewRegistry()
	require.ErrorIs(t, r.Resolve("missing"), ErrUnknownOperation)
	require.ErrorIs(t, r.Fail("missing"), ErrUnknownOperation)
}

func TestRegistry_TrackIdempotentWhilePending(t *testing.T) {
	r := NewRegistry()
	_, err := r.Track(op("a", KindSummarize, `{}`))
	require.NoError(t, err)

	added, err := r.Track(op("a", KindSummarize, `{}`))
	require.NoError(t, err)
	assert.False(t, added)
	assert.Len(t, r.Pending(), 1)
}

func TestRegistry_NoReuse(t *testing.T) {
	r := NewRegistry()
	_, err := r.Track(op("a", KindEmbed, `{}`))
	require.NoError(t, err)
	require.NoError(t, r.Fail("a"))

	_, err = r.Track(op("a", KindEmbed, `{}`))
	require.ErrorIs(t, err, ErrReusedID)
}

func TestRegistry_PendingOrderAndCounts(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		_, err := r.Track(op(id, KindLLMCall, `{"prompt":"x"}`))
		require.NoError(t, err)
	}
	require.NoError(t, r.Resolve("a"))
	require.NoError(t, r.Fail("b"))

	pending := r.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "c", pending[0].ID)

	p, res, f := r.Counts()
	assert.Equal(t, [3]int{1, 1, 1}, [3]int{p, res, f})
}

func TestLLMBatchParams(t *testing.T) {
	p, err := op("b", KindLLMBatch, `{"prompts":["a","b"],"contexts":["x",null]}`).LLMBatch()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.Prompts)
	assert.Equal(t, []string{"x", ""}, p.Contexts)
	assert.Equal(t, DefaultBatchParallel, p.MaxParallel)

	p, err = op("b", KindLLMBatch, `{"prompts":["a"],"max_parallel":-3}`).LLMBatch()
	require.NoError(t, err)
	assert.Equal(t, 1, p.MaxParallel)

	_, err = op("b", KindLLMBatch, `{"prompts":["a","b"],"contexts":["x"]}`).LLMBatch()
	assert.Error(t, err)

	_, err = op("b", KindLLMBatch, `{"prompts":["a"],"contexts":[3]}`).LLMBatch()
	assert.Error(t, err)
}

func TestSummarizeParams_DefaultPrompt(t *testing.T) {
	p, err := op("s", KindSummarize, `{"content":"text","focus":"errors"}`).Summarize()
	require.NoError(t, err)
	assert.Equal(t, 500, p.MaxTokens)
	assert.Equal(t, "Summarize the following in at most 500 tokens, focusing on errors:\n\ntext", p.Prompt)
}

func TestParams_KindMismatch(t *testing.T) {
	_, err := op("x", KindEmbed, `{}`).LLMCall()
	assert.Error(t, err)
}

func TestParams_Malformed(t *testing.T) {
	_, err := op("x", KindLLMCall, `{"prompt":`).LLMCall()
	assert.Error(t, err)
}

func TestRecurseAndMapReduceParams(t *testing.T) {
	r, err := op("r", KindRecurse, `{"query":"sub","context":"ctx","outputs":["answer"]}`).Recurse()
	require.NoError(t, err)
	assert.Equal(t, "sub", r.Query)
	assert.Equal(t, []string{"answer"}, r.Outputs)

	_, err = op("m", KindMapReduce, `{"chunks":["a"],"map_prompt":"m"}`).MapReduce()
	assert.Error(t, err)

	e, err := op("e", KindEmbed, `{"query":"q","chunks":["a","b"]}`).Embed()
	require.NoError(t, err)
	assert.Equal(t, 5, e.TopK)
}
