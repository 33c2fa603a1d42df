package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/PH536-UI/mr-dom-ph-copilot/internal/assembler"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/coordinator"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/domain"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/memory"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/router"
)

const (
	// AgentGreeting answers greetings and anything the router cannot place.
	AgentGreeting = "greeting"
	// AgentDomain answers queries against the CRM and marketing systems.
	AgentDomain = "crm_marketing"

	greetingTemperature = 0.7
	domainTemperature   = 0
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, temperature float64, messages []domain.ChatMessage) (string, error)
}

// ConversationMemory is what the orchestrator needs from the conversation
// store. *memory.Store satisfies this interface.
type ConversationMemory interface {
	Append(userID string, entries ...domain.Entry) error
	Snapshot(userID string, count int) []domain.Entry
	Clear(userID string)
	Export(userID string, allowEmpty bool) (domain.ConversationExport, error)
	Summary(userID string) (domain.ConversationSummary, error)
	Status(userID string) domain.MemoryStatus
	ConversationID(userID string) string
}

// ContextBuilder assembles the per-request context package.
// *assembler.Builder satisfies this interface.
type ContextBuilder interface {
	Build(userID string, history []domain.Entry, current string, facts []domain.ExternalFact) assembler.Package
}

// MessageClassifier routes a message to a handler. *router.Classifier
// satisfies this interface.
type MessageClassifier interface {
	Classify(message string) (router.Decision, error)
}

// FactFinder runs domain lookups against the external record systems.
// *coordinator.Coordinator satisfies this interface.
type FactFinder interface {
	Lookup(ctx context.Context, message string) coordinator.Result
}

// ExportSink persists export records for audit. *repository.Client
// satisfies this interface. Optional.
type ExportSink interface {
	PutExport(ctx context.Context, export domain.ConversationExport) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Copilot is the orchestrator: the sole caller of memory, assembler,
// router, coordinator, and the text-completion client. Prompts and the
// model name live in SSM and are loaded lazily on first use.
type Copilot struct {
	params      ParamGetter
	llm         LLMClient
	memory      ConversationMemory
	builder     ContextBuilder
	classifier  MessageClassifier
	facts       FactFinder
	sink        ExportSink
	paramPrefix string
	logger      *slog.Logger

	cacheMu        sync.RWMutex
	cacheLoaded    bool
	greetingPrompt string
	domainPrompt   string
	openaiModel    string
}

type ProcessInput struct {
	UserID       string
	Message      string
	EnableMemory bool
}

type ProcessOutput struct {
	Response       string
	AgentUsed      string
	ConversationID string
	MemoryEnabled  bool
	Degraded       bool
}

// NewCopilot wires the orchestrator. The export sink may be nil, in which
// case export records are returned but not persisted.
func NewCopilot(p ParamGetter, llm LLMClient, mem ConversationMemory, builder ContextBuilder, classifier MessageClassifier, facts FactFinder, sink ExportSink, paramPrefix string, logger *slog.Logger) (*Copilot, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if mem == nil {
		return nil, errors.New("usecase: conversation memory must not be nil")
	}
	if builder == nil {
		return nil, errors.New("usecase: context builder must not be nil")
	}
	if classifier == nil {
		return nil, errors.New("usecase: classifier must not be nil")
	}
	if facts == nil {
		return nil, errors.New("usecase: fact finder must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Copilot{
		params:      p,
		llm:         llm,
		memory:      mem,
		builder:     builder,
		classifier:  classifier,
		facts:       facts,
		sink:        sink,
		paramPrefix: paramPrefix,
		logger:      logger.With("component", "copilot"),
	}, nil
}

// Process handles one inbound message end to end: assemble context,
// classify, branch to the greeting or domain path, synthesize, then commit
// the user and assistant entries as one atomic append. The commit also
// happens for degraded answers so conversational continuity survives
// external-system outages; it is skipped when the request context is
// already cancelled or when memory is disabled for the request.
func (c *Copilot) Process(ctx context.Context, in ProcessInput) (ProcessOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return ProcessOutput{}, newError(ErrorInvalidIdentifier, "empty_user_id", nil)
	}
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return ProcessOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if err := c.ensureConfig(ctx); err != nil {
		return ProcessOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	var history []domain.Entry
	if in.EnableMemory {
		history = c.memory.Snapshot(userID, 0)
	}
	pkg := c.builder.Build(userID, history, message, nil)

	decision, err := c.classifier.Classify(message)
	if err != nil {
		// Classification failure never reaches the user; fall back to the
		// safe default so no external call is triggered.
		c.logger.Warn("classification failed, treating as unknown", "user_id", userID, "err", err)
		decision = router.Decision{Category: router.CategoryUnknown, Confidence: 0, Rationale: "classification error"}
	}

	agentUsed := AgentGreeting
	systemPrompt := c.greetingPrompt
	temperature := greetingTemperature
	degraded := false

	if decision.Category == router.CategoryDomainQuery {
		result := c.facts.Lookup(ctx, message)
		pkg = c.builder.Build(userID, history, message, result.Facts)
		agentUsed = AgentDomain
		systemPrompt = c.domainPrompt
		temperature = domainTemperature
		degraded = result.Degraded
	}

	answer, err := c.llm.Chat(ctx, c.openaiModel, temperature, buildPromptMessages(systemPrompt, pkg, degraded))
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return ProcessOutput{}, newError(ErrorRateLimited, "openai_rate_limited", err)
		}
		return ProcessOutput{}, newError(ErrorProvider, "openai_error", err)
	}

	out := ProcessOutput{
		Response:      answer,
		AgentUsed:     agentUsed,
		MemoryEnabled: in.EnableMemory,
		Degraded:      degraded,
	}

	if !in.EnableMemory {
		return out, nil
	}
	if ctx.Err() != nil {
		// Cancelled mid-flight: the exchange is not committed, partially or
		// at all.
		c.logger.Warn("request cancelled before commit, skipping append", "user_id", userID)
		return out, nil
	}

	assistantMeta := map[string]string{"agent": agentUsed}
	if degraded {
		assistantMeta["degraded"] = "true"
	}
	for k, v := range pkg.Metadata {
		assistantMeta[k] = v
	}
	if err := c.memory.Append(userID,
		domain.NewEntry(domain.RoleUser, message, map[string]string{"agent": agentUsed}),
		domain.NewEntry(domain.RoleAssistant, answer, assistantMeta),
	); err != nil {
		return ProcessOutput{}, newError(ErrorInternal, "memory_append_error", err)
	}
	out.ConversationID = c.memory.ConversationID(userID)
	return out, nil
}

// Snapshot mirrors the store's read operation for the administrative surface.
func (c *Copilot) Snapshot(userID string, count int) ([]domain.Entry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newError(ErrorInvalidIdentifier, "empty_user_id", nil)
	}
	return c.memory.Snapshot(userID, count), nil
}

// Clear wipes a user's history. Clearing an unknown user succeeds.
func (c *Copilot) Clear(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return newError(ErrorInvalidIdentifier, "empty_user_id", nil)
	}
	c.memory.Clear(userID)
	return nil
}

// Export serializes a user's history and, when a sink is configured,
// persists the record to the audit store.
func (c *Copilot) Export(ctx context.Context, userID string, allowEmpty bool) (domain.ConversationExport, error) {
	export, err := c.memory.Export(userID, allowEmpty)
	if err != nil {
		return domain.ConversationExport{}, mapMemoryError(err, "export")
	}
	if c.sink != nil {
		if err := c.sink.PutExport(ctx, export); err != nil {
			return domain.ConversationExport{}, newError(ErrorInternal, "audit_write_error", err)
		}
	}
	return export, nil
}

// Status reports memory counters for a user.
func (c *Copilot) Status(userID string) (domain.MemoryStatus, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.MemoryStatus{}, newError(ErrorInvalidIdentifier, "empty_user_id", nil)
	}
	return c.memory.Status(userID), nil
}

// Summary describes a user's history without exposing content.
func (c *Copilot) Summary(userID string) (domain.ConversationSummary, error) {
	sum, err := c.memory.Summary(userID)
	if err != nil {
		return domain.ConversationSummary{}, mapMemoryError(err, "summary")
	}
	return sum, nil
}

func mapMemoryError(err error, op string) *Error {
	switch {
	case errors.Is(err, memory.ErrInvalidIdentifier):
		return newError(ErrorInvalidIdentifier, op+"_invalid_user_id", err)
	case errors.Is(err, memory.ErrNotFound):
		return newError(ErrorNotFound, op+"_no_history", err)
	default:
		return newError(ErrorInternal, op+"_error", err)
	}
}

// ensureConfig loads prompts and the model name from SSM once per process
// lifetime, behind a double-checked lock so concurrent first requests do
// not stampede the parameter store.
func (c *Copilot) ensureConfig(ctx context.Context) error {
	c.cacheMu.RLock()
	if c.cacheLoaded {
		c.cacheMu.RUnlock()
		return nil
	}
	c.cacheMu.RUnlock()

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if c.cacheLoaded {
		return nil
	}

	greeting, err := c.params.GetParameter(ctx, c.paramPrefix+"/prompts/greeting")
	if err != nil {
		return err
	}
	domainPrompt, err := c.params.GetParameter(ctx, c.paramPrefix+"/prompts/domain")
	if err != nil {
		return err
	}
	model, err := c.params.GetParameter(ctx, c.paramPrefix+"/config/openai_model")
	if err != nil {
		return err
	}

	c.greetingPrompt = greeting
	c.domainPrompt = domainPrompt
	c.openaiModel = model
	c.cacheLoaded = true
	return nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
