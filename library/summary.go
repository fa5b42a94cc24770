package library

import (
	"github.com/jacentio/medley/entity"
)

// Status is the classification of a staged item.
type Status int

// Statuses in increasing strength. An item's status only moves up.
const (
	StatusPending Status = iota
	StatusMatched
	StatusUpdated
	StatusCreated
)

func (s Status) String() string {
	switch s {
	case StatusMatched:
		return "matched"
	case StatusUpdated:
		return "updated"
	case StatusCreated:
		return "created"
	default:
		return "pending"
	}
}

// TypeSummary counts outcomes for one entity type.
type TypeSummary struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Matched int `json:"matched"`
	Failed  int `json:"failed"`
	Ignored int `json:"ignored"`
}

// Summary is the outcome of a transaction, per entity type.
type Summary map[entity.Type]*TypeSummary

func (s Summary) of(t entity.Type) *TypeSummary {
	ts := s[t]
	if ts == nil {
		ts = &TypeSummary{}
		s[t] = ts
	}
	return ts
}

// Total sums every type.
func (s Summary) Total() TypeSummary {
	var total TypeSummary
	for _, ts := range s {
		total.Created += ts.Created
		total.Updated += ts.Updated
		total.Matched += ts.Matched
		total.Failed += ts.Failed
		total.Ignored += ts.Ignored
	}
	return total
}
