package critique

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/goleak"

	"github.com/IMBotPlatform/IMBotRelay/pkg/ai"
	"github.com/IMBotPlatform/IMBotRelay/pkg/ai/aitest"
	"github.com/IMBotPlatform/IMBotRelay/pkg/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errUpstream = errors.New("model overloaded")

// countingStore records every store access and can fail reads.
type countingStore struct {
	*session.MemoryStore
	calls   atomic.Int32
	readErr error
}

func (s *countingStore) Get(ctx context.Context, id string) ([]session.Message, error) {
	s.calls.Add(1)
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.MemoryStore.Get(ctx, id)
}

func (s *countingStore) Put(ctx context.Context, id string, msgs []session.Message) error {
	s.calls.Add(1)
	return s.MemoryStore.Put(ctx, id, msgs)
}

func (s *countingStore) Delete(ctx context.Context, id string) error {
	s.calls.Add(1)
	return s.MemoryStore.Delete(ctx, id)
}

type fixture struct {
	orch  *Orchestrator
	dir   *session.Directory
	store *countingStore
	model *aitest.ScriptedModel
}

func newFixture(t *testing.T, steps ...aitest.Step) *fixture {
	t.Helper()
	store := &countingStore{MemoryStore: session.NewMemoryStore()}
	dir := session.NewDirectory(store)
	t.Cleanup(func() { dir.Close() })

	model := aitest.NewScriptedModel(steps...)
	svc := ai.NewService(&ai.Config{
		DefaultModel: "primary",
		Models:       []ai.ModelConfig{{Name: "primary", Provider: "openai"}},
	}, ai.WithModelInstance("primary", model))

	return &fixture{
		orch:  NewOrchestrator(dir, svc),
		dir:   dir,
		store: store,
		model: model,
	}
}

func (f *fixture) history(t *testing.T, id string) []session.Message {
	t.Helper()
	h, err := f.dir.Resolve(id)
	require.NoError(t, err)
	msgs, err := h.GetHistory(context.Background())
	require.NoError(t, err)
	return msgs
}

func TestHandleChatCapitalOfFrance(t *testing.T) {
	f := newFixture(t,
		aitest.Reply("Paris"),
		aitest.Reply("Fact Check: The statement appears accurate."),
	)

	res, err := f.orch.HandleChat(context.Background(), "u1", "What is the capital of France?")
	require.NoError(t, err)
	assert.Equal(t, Result{Answer: "Paris", Critique: "Fact Check: The statement appears accurate."}, res)

	assert.Equal(t, []session.Message{
		session.UserMessage("What is the capital of France?"),
		session.AssistantMessage("Paris"),
	}, f.history(t, "u1"))
}

func TestCritiqueNeverEntersHistory(t *testing.T) {
	f := newFixture(t,
		aitest.Reply("The Eiffel Tower is in Rome."),
		aitest.Reply("CRITIQUE: it is in Paris."),
		aitest.Reply("It was built in 1889."),
		aitest.Reply("CRITIQUE: correct."),
	)
	ctx := context.Background()

	_, err := f.orch.HandleChat(ctx, "u1", "Where is the Eiffel Tower?")
	require.NoError(t, err)
	_, err = f.orch.HandleChat(ctx, "u1", "When was it built?")
	require.NoError(t, err)

	for _, m := range f.history(t, "u1") {
		assert.NotContains(t, m.Content, "CRITIQUE")
	}

	calls := f.model.Calls()
	require.Len(t, calls, 4)

	// second primary call sees the first exchange but no critique
	primary := calls[2].Messages
	require.Len(t, primary, 3)
	assert.Equal(t, "Where is the Eiffel Tower?", aitest.Text(primary[0]))
	assert.Equal(t, "The Eiffel Tower is in Rome.", aitest.Text(primary[1]))
	assert.Equal(t, "When was it built?", aitest.Text(primary[2]))
	for _, m := range primary {
		assert.NotContains(t, aitest.Text(m), "CRITIQUE")
	}

	// critique prompt is independent of history and quotes the answer verbatim
	check := calls[3].Messages
	require.Len(t, check, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, check[0].Role)
	assert.Equal(t, FactCheckInstruction, aitest.Text(check[0]))
	assert.Equal(t, llms.ChatMessageTypeHuman, check[1].Role)
	assert.Equal(t, `Statement to check: "It was built in 1889."`, aitest.Text(check[1]))
}

func TestPrimaryFailureCommitsNothing(t *testing.T) {
	f := newFixture(t, aitest.Fail(errUpstream))

	_, err := f.orch.HandleChat(context.Background(), "u1", "hello")
	var upstream *UpstreamModelError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "answer", upstream.Stage)
	assert.ErrorIs(t, err, errUpstream)

	assert.Empty(t, f.history(t, "u1"))
	assert.Len(t, f.model.Calls(), 1, "critique must not run without an answer")
}

func TestCritiqueFailureCommitsNothing(t *testing.T) {
	f := newFixture(t, aitest.Reply("an answer"), aitest.Fail(errUpstream))

	_, err := f.orch.HandleChat(context.Background(), "u1", "hello")
	var upstream *UpstreamModelError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "critique", upstream.Stage)
	assert.True(t, strings.Contains(err.Error(), "default"))

	assert.Empty(t, f.history(t, "u1"))
	_, err = f.store.MemoryStore.Get(context.Background(), "u1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestEmptyCompletionIsUpstreamError(t *testing.T) {
	f := newFixture(t, aitest.Reply(""))

	_, err := f.orch.HandleChat(context.Background(), "u1", "hello")
	var upstream *UpstreamModelError
	require.ErrorAs(t, err, &upstream)
	assert.ErrorIs(t, err, ai.ErrEmptyCompletion)
}

func TestStorageErrorPropagates(t *testing.T) {
	f := newFixture(t, aitest.Reply("unused"))
	f.store.readErr = errors.New("disk gone")

	_, err := f.orch.HandleChat(context.Background(), "u1", "hello")
	var storageErr *session.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Empty(t, f.model.Calls(), "model is not called when history cannot be read")
}

func TestInvalidRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.orch.HandleReset(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.orch.HandleChat(ctx, "", "hello")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.orch.HandleChat(ctx, "u1", "   ")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.orch.History(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.EqualValues(t, 0, f.store.calls.Load(), "no store access for invalid requests")
	assert.Equal(t, 0, f.dir.Len())
	assert.Empty(t, f.model.Calls())
}

func TestHandleResetClearsHistory(t *testing.T) {
	f := newFixture(t, aitest.Reply("a"), aitest.Reply("c"))
	ctx := context.Background()

	_, err := f.orch.HandleChat(ctx, "u1", "q")
	require.NoError(t, err)
	require.NoError(t, f.orch.HandleReset(ctx, "u1"))
	require.NoError(t, f.orch.HandleReset(ctx, "u1"))
	require.NoError(t, f.orch.HandleReset(ctx, "never-used"))

	msgs, err := f.orch.History(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestWithModelsRoutesCritiqueToSecondModel(t *testing.T) {
	store := session.NewMemoryStore()
	dir := session.NewDirectory(store)
	t.Cleanup(func() { dir.Close() })

	primary := aitest.NewScriptedModel(aitest.Reply("answer"))
	checker := aitest.NewScriptedModel(aitest.Reply("critique"))
	svc := ai.NewService(&ai.Config{DefaultModel: "primary"},
		ai.WithModelInstance("primary", primary),
		ai.WithModelInstance("checker", checker),
	)
	orch := NewOrchestrator(dir, svc, WithModels("", "checker"))

	res, err := orch.HandleChat(context.Background(), "u1", "q")
	require.NoError(t, err)
	assert.Equal(t, Result{Answer: "answer", Critique: "critique"}, res)
	assert.Len(t, primary.Calls(), 1)
	assert.Len(t, checker.Calls(), 1)
}
