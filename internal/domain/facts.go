package domain

import "time"

// FactSource identifies the external record system a fact came from.
type FactSource string

const (
	SourceCRM       FactSource = "vtiger"
	SourceMarketing FactSource = "mautic"
)

// ExternalFact is a normalized datum retrieved from a domain record system.
// A failed lookup is still a fact: Failed is set and Error carries the cause,
// so partial success stays reportable instead of aborting the request.
type ExternalFact struct {
	Key         string     `json:"key"`
	Value       string     `json:"value"`
	Source      FactSource `json:"source"`
	RetrievedAt time.Time  `json:"retrievedAt"`
	Failed      bool       `json:"failed,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// NewFact constructs a successful fact stamped with the current UTC time.
func NewFact(source FactSource, key, value string) ExternalFact {
	return ExternalFact{
		Key:         key,
		Value:       value,
		Source:      source,
		RetrievedAt: time.Now().UTC(),
	}
}

// NewFailedFact constructs an error-flagged fact for a failed lookup.
func NewFailedFact(source FactSource, key string, err error) ExternalFact {
	f := ExternalFact{
		Key:         key,
		Source:      source,
		RetrievedAt: time.Now().UTC(),
		Failed:      true,
	}
	if err != nil {
		f.Error = err.Error()
	}
	return f
}
