package app

import (
	"wi-go/internal/ledger"
	"wi-go/internal/wi"
)

// Mutation describes one audited change. It is built in memory while the
// command runs and becomes a ledger entry when the change commits.
type Mutation struct {
	Operation wi.Operation
	Target    string
	Detail    map[string]any
}

// NewMutation creates a mutation with an empty detail.
func NewMutation(op wi.Operation, target string) *Mutation {
	return &Mutation{Operation: op, Target: target, Detail: map[string]any{}}
}

// Set records a detail field.
func (m *Mutation) Set(key string, value any) *Mutation {
	m.Detail[key] = value
	return m
}

// Entry returns the ledger entry for the mutation.
func (m *Mutation) Entry(actor string, status wi.Status) ledger.Entry {
	return ledger.Entry{
		Actor:     actor,
		Operation: m.Operation,
		Target:    m.Target,
		Detail:    m.Detail,
		Status:    status,
	}
}
