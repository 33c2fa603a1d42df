// Package coordinator drives the external record systems for domain
// queries: it decides which connectors are relevant for a message, fans
// out the lookups concurrently, and aggregates the results. A connector
// failure downgrades its facts instead of failing the request, so partial
// success stays a valid, reportable outcome.
package coordinator

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PH536-UI/mr-dom-ph-copilot/internal/domain"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/integrations/mautic"
	"github.com/PH536-UI/mr-dom-ph-copilot/internal/integrations/vtiger"
)

const (
	defaultTimeout = 5 * time.Second
	defaultRetries = 1
	defaultBackoff = 200 * time.Millisecond
)

// CRMClient is what the coordinator needs from the customer-relationship
// connector. *vtiger.Client satisfies this interface.
type CRMClient interface {
	RetrieveContactByEmail(ctx context.Context, email string) (vtiger.Contact, error)
}

// MarketingClient is what the coordinator needs from the marketing
// connector. *mautic.Client satisfies this interface.
type MarketingClient interface {
	GetContactByEmail(ctx context.Context, email string) (mautic.Contact, error)
	ContactSegments(ctx context.Context, contactID int) ([]string, error)
}

// Query is the parsed lookup request derived from a message.
type Query struct {
	Email         string
	WantCRM       bool
	WantMarketing bool
}

// Result aggregates the facts gathered for one domain query. Degraded is
// set when every relevant connector failed, so the caller can apologize
// instead of fabricating an answer.
type Result struct {
	Facts    []domain.ExternalFact
	Degraded bool
}

// Config tunes connector call behavior.
type Config struct {
	// Timeout bounds each individual connector call.
	Timeout time.Duration
	// MaxRetries bounds retries per failed call (default 1).
	MaxRetries int
	// Backoff is the fixed delay between retries.
	Backoff time.Duration
}

// Coordinator fans domain queries out to the configured connectors.
type Coordinator struct {
	crm       CRMClient
	marketing MarketingClient
	cfg       Config
}

// New creates a Coordinator. Both connectors are required.
func New(crm CRMClient, marketing MarketingClient, cfg Config) (*Coordinator, error) {
	if crm == nil {
		return nil, errors.New("coordinator: crm client must not be nil")
	}
	if marketing == nil {
		return nil, errors.New("coordinator: marketing client must not be nil")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	return &Coordinator{crm: crm, marketing: marketing, cfg: cfg}, nil
}

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

var (
	crmSignals       = []string{"vtiger", "score", "contato", "contact", "lead", "status", "telefone", "phone"}
	marketingSignals = []string{"mautic", "campanha", "campaign", "segmento", "segment", "tag", "newsletter"}
)

// ParseQuery derives the lookup request from a message already classified
// as a domain query: the referenced email address plus which record
// systems the message touches. A message with no system-specific signal
// queries both.
func ParseQuery(message string) Query {
	normalized := strings.ToLower(message)
	q := Query{Email: emailPattern.FindString(message)}

	for _, s := range crmSignals {
		if strings.Contains(normalized, s) {
			q.WantCRM = true
			break
		}
	}
	for _, s := range marketingSignals {
		if strings.Contains(normalized, s) {
			q.WantMarketing = true
			break
		}
	}
	if !q.WantCRM && !q.WantMarketing {
		q.WantCRM = true
		q.WantMarketing = true
	}
	return q
}

// Lookup queries the relevant connectors for the message, concurrently
// when both systems are in play. It never returns an error: failures are
// folded into error-flagged facts and, when nothing succeeded, the
// Degraded flag.
func (c *Coordinator) Lookup(ctx context.Context, message string) Result {
	q := ParseQuery(message)

	var (
		mu    sync.Mutex
		facts []domain.ExternalFact
		wg    sync.WaitGroup
	)
	collect := func(fs []domain.ExternalFact) {
		mu.Lock()
		facts = append(facts, fs...)
		mu.Unlock()
	}

	if q.WantCRM {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collect(c.lookupCRM(ctx, q))
		}()
	}
	if q.WantMarketing {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collect(c.lookupMarketing(ctx, q))
		}()
	}
	wg.Wait()

	degraded := true
	for _, f := range facts {
		if !f.Failed {
			degraded = false
			break
		}
	}
	return Result{Facts: facts, Degraded: degraded}
}

func (c *Coordinator) lookupCRM(ctx context.Context, q Query) []domain.ExternalFact {
	if q.Email == "" {
		return []domain.ExternalFact{
			domain.NewFailedFact(domain.SourceCRM, "contact", errors.New("no email address in query")),
		}
	}

	var contact vtiger.Contact
	err := c.withRetry(ctx, func(callCtx context.Context) error {
		var lookupErr error
		contact, lookupErr = c.crm.RetrieveContactByEmail(callCtx, q.Email)
		return lookupErr
	})
	if err != nil {
		return []domain.ExternalFact{
			domain.NewFailedFact(domain.SourceCRM, "contact", err),
		}
	}

	facts := []domain.ExternalFact{
		domain.NewFact(domain.SourceCRM, "contact_name", contact.Name),
		domain.NewFact(domain.SourceCRM, "lead_score", strconv.Itoa(contact.LeadScore)),
	}
	if contact.Status != "" {
		facts = append(facts, domain.NewFact(domain.SourceCRM, "status", contact.Status))
	}
	if contact.Phone != "" {
		facts = append(facts, domain.NewFact(domain.SourceCRM, "phone", contact.Phone))
	}
	if contact.LastActivity != "" {
		facts = append(facts, domain.NewFact(domain.SourceCRM, "last_activity", contact.LastActivity))
	}
	return facts
}

func (c *Coordinator) lookupMarketing(ctx context.Context, q Query) []domain.ExternalFact {
	if q.Email == "" {
		return []domain.ExternalFact{
			domain.NewFailedFact(domain.SourceMarketing, "contact", errors.New("no email address in query")),
		}
	}

	var contact mautic.Contact
	err := c.withRetry(ctx, func(callCtx context.Context) error {
		var lookupErr error
		contact, lookupErr = c.marketing.GetContactByEmail(callCtx, q.Email)
		return lookupErr
	})
	if err != nil {
		return []domain.ExternalFact{
			domain.NewFailedFact(domain.SourceMarketing, "contact", err),
		}
	}

	facts := []domain.ExternalFact{}
	if len(contact.Tags) > 0 {
		facts = append(facts, domain.NewFact(domain.SourceMarketing, "tags", strings.Join(contact.Tags, ", ")))
	}

	var segments []string
	err = c.withRetry(ctx, func(callCtx context.Context) error {
		var segErr error
		segments, segErr = c.marketing.ContactSegments(callCtx, contact.ID)
		return segErr
	})
	if err != nil {
		facts = append(facts, domain.NewFailedFact(domain.SourceMarketing, "segments", err))
	} else {
		facts = append(facts, domain.NewFact(domain.SourceMarketing, "segments", strings.Join(segments, ", ")))
	}
	return facts
}

// withRetry runs one connector call with the per-call timeout, retrying up
// to the configured bound with a fixed backoff. NotFound is terminal: the
// record will not appear on a second attempt.
func (c *Coordinator) withRetry(ctx context.Context, call func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.Backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, vtiger.ErrNotFound) || errors.Is(err, mautic.ErrNotFound) {
			return err
		}
		lastErr = err
	}
	return lastErr
}
