package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PH536-UI/mr-dom-ph-copilot/internal/assembler"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/coordinator"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/domain"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/memory"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/router"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeParams struct {
	calls int
	err   error
}

func (f *fakeParams) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	switch {
	case name == "/mr-dom-ph-copilot/prompts/greeting":
		return "Você é o Mr. DOM PH Copilot.", nil
	case name == "/mr-dom-ph-copilot/prompts/domain":
		return "Responda usando apenas os dados fornecidos.", nil
	case name == "/mr-dom-ph-copilot/config/openai_model":
		return "gpt-4.1-mini", nil
	}
	return "", fmt.Errorf("unexpected parameter %q", name)
}

type fakeLLM struct {
	response string
	err      error
	onCall   func()

	calls        int
	model        string
	temperature  float64
	lastMessages []domain.ChatMessage
}

func (f *fakeLLM) Chat(_ context.Context, model string, temperature float64, messages []domain.ChatMessage) (string, error) {
	f.calls++
	f.model = model
	f.temperature = temperature
	f.lastMessages = messages
	if f.onCall != nil {
		f.onCall()
	}
	return f.response, f.err
}

type fakeFacts struct {
	result coordinator.Result
	calls  int
}

func (f *fakeFacts) Lookup(_ context.Context, _ string) coordinator.Result {
	f.calls++
	return f.result
}

type fakeSink struct {
	err  error
	last domain.ConversationExport
}

func (f *fakeSink) PutExport(_ context.Context, export domain.ConversationExport) error {
	f.last = export
	return f.err
}

type rateLimitError struct{}

func (rateLimitError) Error() string       { return "too many requests" }
func (rateLimitError) HTTPStatusCode() int { return 429 }

type testCopilot struct {
	copilot *Copilot
	params  *fakeParams
	llm     *fakeLLM
	facts   *fakeFacts
	sink    *fakeSink
	store   *memory.Store
}

func newTestCopilot(t *testing.T, llm *fakeLLM, facts *fakeFacts) *testCopilot {
	t.Helper()
	params := &fakeParams{}
	sink := &fakeSink{}
	store := memory.New(10)
	c, err := NewCopilot(params, llm, store, assembler.New(0), router.New(router.Config{}), facts, sink, "/mr-dom-ph-copilot", nil)
	require.NoError(t, err)
	return &testCopilot{copilot: c, params: params, llm: llm, facts: facts, sink: sink, store: store}
}

// ---------------------------------------------------------------------------
// NewCopilot
// ---------------------------------------------------------------------------

func TestNewCopilot_ValidatesDependencies(t *testing.T) {
	store := memory.New(10)
	llm := &fakeLLM{}
	params := &fakeParams{}
	b := assembler.New(0)
	r := router.New(router.Config{})
	facts := &fakeFacts{}

	_, err := NewCopilot(nil, llm, store, b, r, facts, nil, "/p", nil)
	require.Error(t, err)
	_, err = NewCopilot(params, nil, store, b, r, facts, nil, "/p", nil)
	require.Error(t, err)
	_, err = NewCopilot(params, llm, nil, b, r, facts, nil, "/p", nil)
	require.Error(t, err)
	_, err = NewCopilot(params, llm, store, b, r, facts, nil, "  ", nil)
	require.Error(t, err)

	// nil sink is allowed: exports are returned without persistence
	_, err = NewCopilot(params, llm, store, b, r, facts, nil, "/p", nil)
	require.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Process — greeting path
// ---------------------------------------------------------------------------

func TestProcess_Greeting_EndToEnd(t *testing.T) {
	tc := newTestCopilot(t, &fakeLLM{response: "Olá! Como posso ajudar?"}, &fakeFacts{})

	out, err := tc.copilot.Process(context.Background(), ProcessInput{
		UserID:       "u1",
		Message:      "Olá",
		EnableMemory: true,
	})
	require.NoError(t, err)
	require.Equal(t, "Olá! Como posso ajudar?", out.Response)
	require.Equal(t, AgentGreeting, out.AgentUsed)
	require.True(t, out.MemoryEnabled)
	require.False(t, out.Degraded)
	require.NotEmpty(t, out.ConversationID)

	require.Equal(t, 0, tc.facts.calls, "greeting must not trigger connector lookups")
	require.Equal(t, 2, tc.store.Len("u1"), "user and assistant entries committed")
	require.Equal(t, "gpt-4.1-mini", tc.llm.model)
	require.InDelta(t, 0.7, tc.llm.temperature, 0.001)

	entries := tc.store.Snapshot("u1", 0)
	require.Equal(t, domain.RoleUser, entries[0].Role)
	require.Equal(t, "Olá", entries[0].Content)
	require.Equal(t, domain.RoleAssistant, entries[1].Role)
}

func TestProcess_Unknown_RoutedToGreeting(t *testing.T) {
	tc := newTestCopilot(t, &fakeLLM{response: "Posso ajudar com CRM e marketing."}, &fakeFacts{})

	out, err := tc.copilot.Process(context.Background(), ProcessInput{
		UserID:       "u1",
		Message:      "qual a previsão do tempo?",
		EnableMemory: true,
	})
	require.NoError(t, err)
	require.Equal(t, AgentGreeting, out.AgentUsed)
	require.Equal(t, 0, tc.facts.calls)
}

func TestProcess_MalformedInput_TreatedAsUnknown(t *testing.T) {
	tc := newTestCopilot(t, &fakeLLM{response: "ok"}, &fakeFacts{})

	out, err := tc.copilot.Process(context.Background(), ProcessInput{
		UserID:       "u1",
		Message:      "ol\xc3\x28", // invalid UTF-8
		EnableMemory: true,
	})
	require.NoError(t, err, "the user always receives a reply, never a router failure")
	require.Equal(t, AgentGreeting, out.AgentUsed)
	require.Equal(t, 0, tc.facts.calls)
}

// ---------------------------------------------------------------------------
// Process — domain path
// ---------------------------------------------------------------------------

func TestProcess_DomainQuery_PartialFailureStillCommits(t *testing.T) {
	facts := &fakeFacts{result: coordinator.Result{
		Facts: []domain.ExternalFact{
			domain.NewFact(domain.SourceCRM, "lead_score", "80"),
			domain.NewFailedFact(domain.SourceMarketing, "contact", errors.New("timeout")),
		},
	}}
	tc := newTestCopilot(t, &fakeLLM{response: "O score do lead é 80."}, facts)

	out, err := tc.copilot.Process(context.Background(), ProcessInput{
		UserID:       "u1",
		Message:      "qual o score de joao@example.com?",
		EnableMemory: true,
	})
	require.NoError(t, err)
	require.Equal(t, AgentDomain, out.AgentUsed)
	require.False(t, out.Degraded)
	require.Equal(t, 1, facts.calls)
	require.Equal(t, 2, tc.store.Len("u1"))
	require.InDelta(t, 0, tc.llm.temperature, 0.001)

	// the facts block reaches the model, including the failed lookup
	var factsMsg string
	for _, m := range tc.llm.lastMessages {
		if m.Role == "system" {
			factsMsg = m.Content
		}
	}
	require.Contains(t, factsMsg, "lead_score: 80")
	require.Contains(t, factsMsg, "indisponível")
}

func TestProcess_DomainQuery_TotalFailureDegraded(t *testing.T) {
	facts := &fakeFacts{result: coordinator.Result{
		Facts: []domain.ExternalFact{
			domain.NewFailedFact(domain.SourceCRM, "contact", errors.New("boom")),
			domain.NewFailedFact(domain.SourceMarketing, "contact", errors.New("boom")),
		},
		Degraded: true,
	}}
	tc := newTestCopilot(t, &fakeLLM{response: "Desculpe, não consegui consultar os sistemas."}, facts)

	out, err := tc.copilot.Process(context.Background(), ProcessInput{
		UserID:       "u1",
		Message:      "qual o score de joao@example.com?",
		EnableMemory: true,
	})
	require.NoError(t, err, "degraded data is not a request failure")
	require.True(t, out.Degraded)

	entries := tc.store.Snapshot("u1", 0)
	require.Len(t, entries, 2)
	require.Equal(t, "true", entries[1].Metadata["degraded"])
}

// ---------------------------------------------------------------------------
// Process — memory behavior
// ---------------------------------------------------------------------------

func TestProcess_ElevenMessagesKeepsWindow(t *testing.T) {
	tc := newTestCopilot(t, &fakeLLM{response: "ok"}, &fakeFacts{})

	for i := 0; i < 11; i++ {
		_, err := tc.copilot.Process(context.Background(), ProcessInput{
			UserID:       "u1",
			Message:      fmt.Sprintf("olá número %d", i),
			EnableMemory: true,
		})
		require.NoError(t, err)
	}

	require.Equal(t, 10, tc.store.Len("u1"))
	entries := tc.store.Snapshot("u1", 0)
	for _, e := range entries {
		require.NotEqual(t, "olá número 0", e.Content, "first exchange must be evicted")
	}
}

func TestProcess_MemoryDisabled_NoCommit(t *testing.T) {
	tc := newTestCopilot(t, &fakeLLM{response: "ok"}, &fakeFacts{})

	out, err := tc.copilot.Process(context.Background(), ProcessInput{
		UserID:       "u1",
		Message:      "olá",
		EnableMemory: false,
	})
	require.NoError(t, err)
	require.False(t, out.MemoryEnabled)
	require.Empty(t, out.ConversationID)
	require.Equal(t, 0, tc.store.Len("u1"))
}

func TestProcess_CancelledContext_SkipsCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	llm := &fakeLLM{response: "ok", onCall: cancel}
	tc := newTestCopilot(t, llm, &fakeFacts{})

	out, err := tc.copilot.Process(ctx, ProcessInput{
		UserID:       "u1",
		Message:      "olá",
		EnableMemory: true,
	})
	require.NoError(t, err)
	require.Equal(t, "ok", out.Response)
	require.Equal(t, 0, tc.store.Len("u1"), "no partial entry is committed after cancellation")
}

// ---------------------------------------------------------------------------
// Process — errors
// ---------------------------------------------------------------------------

func TestProcess_EmptyUserID(t *testing.T) {
	tc := newTestCopilot(t, &fakeLLM{}, &fakeFacts{})
	_, err := tc.copilot.Process(context.Background(), ProcessInput{UserID: "  ", Message: "olá"})
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorInvalidIdentifier, ucErr.Code)
}

func TestProcess_EmptyMessage(t *testing.T) {
	tc := newTestCopilot(t, &fakeLLM{}, &fakeFacts{})
	_, err := tc.copilot.Process(context.Background(), ProcessInput{UserID: "u1", Message: "  "})
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorInvalidInput, ucErr.Code)
}

func TestProcess_ProviderError_NoCommit(t *testing.T) {
	tc := newTestCopilot(t, &fakeLLM{err: errors.New("connection reset")}, &fakeFacts{})

	_, err := tc.copilot.Process(context.Background(), ProcessInput{
		UserID:       "u1",
		Message:      "olá",
		EnableMemory: true,
	})
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorProvider, ucErr.Code)
	require.Equal(t, 0, tc.store.Len("u1"))
}

func TestProcess_RateLimited(t *testing.T) {
	tc := newTestCopilot(t, &fakeLLM{err: rateLimitError{}}, &fakeFacts{})

	_, err := tc.copilot.Process(context.Background(), ProcessInput{
		UserID:       "u1",
		Message:      "olá",
		EnableMemory: true,
	})
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorRateLimited, ucErr.Code)
}

func TestProcess_SSMLoadError(t *testing.T) {
	params := &fakeParams{err: errors.New("ssm unavailable")}
	c, err := NewCopilot(params, &fakeLLM{}, memory.New(10), assembler.New(0), router.New(router.Config{}), &fakeFacts{}, nil, "/mr-dom-ph-copilot", nil)
	require.NoError(t, err)

	_, err = c.Process(context.Background(), ProcessInput{UserID: "u1", Message: "olá"})
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorInternal, ucErr.Code)
}

func TestProcess_ConfigLoadedOnce(t *testing.T) {
	tc := newTestCopilot(t, &fakeLLM{response: "ok"}, &fakeFacts{})

	for i := 0; i < 3; i++ {
		_, err := tc.copilot.Process(context.Background(), ProcessInput{
			UserID: "u1", Message: "olá", EnableMemory: true,
		})
		require.NoError(t, err)
	}
	require.Equal(t, 3, tc.params.calls, "three parameters fetched once each")
}

// ---------------------------------------------------------------------------
// administrative operations
// ---------------------------------------------------------------------------

func seedExchange(t *testing.T, tc *testCopilot, userID string) {
	t.Helper()
	_, err := tc.copilot.Process(context.Background(), ProcessInput{
		UserID: userID, Message: "olá", EnableMemory: true,
	})
	require.NoError(t, err)
}

func TestExport_PersistsToSink(t *testing.T) {
	tc := newTestCopilot(t, &fakeLLM{response: "oi"}, &fakeFacts{})
	seedExchange(t, tc, "u1")

	export, err := tc.copilot.Export(context.Background(), "u1", false)
	require.NoError(t, err)
	require.Len(t, export.Entries, 2)
	require.Equal(t, export.ConversationID, tc.sink.last.ConversationID)
	require.Len(t, tc.sink.last.Entries, 2)
}

func TestExport_NoHistory(t *testing.T) {
	tc := newTestCopilot(t, &fakeLLM{}, &fakeFacts{})

	_, err := tc.copilot.Export(context.Background(), "ghost", false)
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorNotFound, ucErr.Code)

	export, err := tc.copilot.Export(context.Background(), "ghost", true)
	require.NoError(t, err)
	require.Empty(t, export.Entries)
}

func TestExport_SinkFailure(t *testing.T) {
	tc := newTestCopilot(t, &fakeLLM{response: "oi"}, &fakeFacts{})
	seedExchange(t, tc, "u1")
	tc.sink.err = errors.New("table missing")

	_, err := tc.copilot.Export(context.Background(), "u1", false)
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorInternal, ucErr.Code)
}

func TestClearAndSnapshot(t *testing.T) {
	tc := newTestCopilot(t, &fakeLLM{response: "oi"}, &fakeFacts{})
	seedExchange(t, tc, "u1")

	entries, err := tc.copilot.Snapshot("u1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.RoleAssistant, entries[0].Role)

	require.NoError(t, tc.copilot.Clear("u1"))
	entries, err = tc.copilot.Snapshot("u1", 0)
	require.NoError(t, err)
	require.Empty(t, entries)

	// clearing again is still fine
	require.NoError(t, tc.copilot.Clear("u1"))
}

func TestStatusAndSummary(t *testing.T) {
	tc := newTestCopilot(t, &fakeLLM{response: "oi"}, &fakeFacts{})
	seedExchange(t, tc, "u1")

	status, err := tc.copilot.Status("u1")
	require.NoError(t, err)
	require.Equal(t, 2, status.ConversationMessages)
	require.Equal(t, 1, status.UserMessages)
	require.Equal(t, 1, status.AssistantMessages)

	sum, err := tc.copilot.Summary("u1")
	require.NoError(t, err)
	require.Equal(t, 2, sum.TotalMessages)
	require.NotNil(t, sum.FirstTimestamp)

	_, err = tc.copilot.Summary("ghost")
	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorNotFound, ucErr.Code)
}
