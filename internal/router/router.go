// Package router classifies incoming messages and selects a handler.
// Classification is a pure function of the message text and the configured
// pattern sets, so routing stays deterministic and unit-testable without
// any model call.
package router

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Category is the routing outcome for a message.
type Category string

const (
	CategoryGreeting    Category = "greeting"
	CategoryDomainQuery Category = "domain_query"
	CategoryUnknown     Category = "unknown"
)

// ErrMalformedInput is returned for input the classifier cannot evaluate
// (blank or invalid UTF-8). Callers treat it as Unknown with a warning.
var ErrMalformedInput = errors.New("router: malformed input")

// Decision is the ephemeral result of classifying one message.
type Decision struct {
	Category   Category
	Confidence float64
	Rationale  string
}

// Config tunes the pattern sets and the tie-break policy.
type Config struct {
	// GreetingPatterns match as a message prefix or standalone word.
	GreetingPatterns []string
	// DomainSignals match anywhere in the message.
	DomainSignals []string
	// PreferGreeting flips the tie-break when a message matches both
	// pattern sets. The default favors the domain-query path, matching
	// signal precedence in the upstream keyword router.
	PreferGreeting bool
}

// Default pattern sets cover the Portuguese-first audience plus the usual
// English equivalents.
var (
	defaultGreetingPatterns = []string{
		"olá", "ola", "oi", "bom dia", "boa tarde", "boa noite",
		"hello", "hi", "hey", "quem é você", "quem e voce",
	}
	defaultDomainSignals = []string{
		"vtiger", "mautic", "score", "tag", "contato", "contact",
		"campanha", "campaign", "segmento", "segment", "lead",
	}
)

// Classifier evaluates messages against the configured pattern sets.
type Classifier struct {
	greetings      []string
	signals        []string
	preferGreeting bool
}

// New creates a Classifier, falling back to the default pattern sets when
// a set is left empty.
func New(cfg Config) *Classifier {
	greetings := cfg.GreetingPatterns
	if len(greetings) == 0 {
		greetings = defaultGreetingPatterns
	}
	signals := cfg.DomainSignals
	if len(signals) == 0 {
		signals = defaultDomainSignals
	}
	c := &Classifier{preferGreeting: cfg.PreferGreeting}
	for _, g := range greetings {
		c.greetings = append(c.greetings, strings.ToLower(strings.TrimSpace(g)))
	}
	for _, s := range signals {
		c.signals = append(c.signals, strings.ToLower(strings.TrimSpace(s)))
	}
	return c
}

// Classify evaluates one message. It returns ErrMalformedInput for blank or
// non-UTF-8 input; otherwise it always produces a Decision, with Unknown as
// the safe default so unmatched messages never trigger external calls.
func (c *Classifier) Classify(message string) (Decision, error) {
	if strings.TrimSpace(message) == "" || !utf8.ValidString(message) {
		return Decision{}, ErrMalformedInput
	}

	normalized := strings.ToLower(message)
	domainHits := c.matchSignals(normalized)
	greetingHit := c.matchGreeting(normalized)

	switch {
	case len(domainHits) > 0 && (!greetingHit || !c.preferGreeting):
		return Decision{
			Category:   CategoryDomainQuery,
			Confidence: domainConfidence(len(domainHits)),
			Rationale:  fmt.Sprintf("matched domain signals: %s", strings.Join(domainHits, ", ")),
		}, nil
	case greetingHit:
		return Decision{
			Category:   CategoryGreeting,
			Confidence: 0.9,
			Rationale:  "matched greeting pattern",
		}, nil
	default:
		return Decision{
			Category:   CategoryUnknown,
			Confidence: 0.2,
			Rationale:  "no pattern matched",
		}, nil
	}
}

func (c *Classifier) matchSignals(normalized string) []string {
	var hits []string
	for _, s := range c.signals {
		if strings.Contains(normalized, s) {
			hits = append(hits, s)
		}
	}
	return hits
}

func (c *Classifier) matchGreeting(normalized string) bool {
	trimmed := strings.TrimSpace(normalized)
	words := strings.FieldsFunc(trimmed, func(r rune) bool {
		return r == ' ' || r == ',' || r == '!' || r == '?' || r == '.'
	})
	for _, g := range c.greetings {
		if strings.HasPrefix(trimmed, g) {
			return true
		}
		for _, w := range words {
			if w == g {
				return true
			}
		}
	}
	return false
}

// domainConfidence grows with the number of matched signals, capped below 1.
func domainConfidence(hits int) float64 {
	conf := 0.6 + 0.1*float64(hits)
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}
