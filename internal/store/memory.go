package store

import (
	"context"
	"encoding/json"
	"fmt"

	"steward/internal/memory"
)

// =============================================================================
// MEMORY FACT PERSISTENCE
// =============================================================================

// Store implements memory.Persistence. Facts are keyed by predicate plus
// serialized arguments, so re-asserting a fact is a no-op at the SQL level.

// SaveMemoryFact upserts a single fact.
func (s *Store) SaveMemoryFact(ctx context.Context, fact memory.Fact) error {
	args, err := json.Marshal(fact.Args)
	if err != nil {
		return fmt.Errorf("failed to serialize fact args: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO memory_facts (predicate, args) VALUES (?, ?)",
		fact.Predicate, string(args),
	)
	if err != nil {
		return fmt.Errorf("failed to save memory fact: %w", err)
	}
	return nil
}

// DeleteMemoryFact removes a single fact. Absent facts are not an error.
func (s *Store) DeleteMemoryFact(ctx context.Context, fact memory.Fact) error {
	args, err := json.Marshal(fact.Args)
	if err != nil {
		return fmt.Errorf("failed to serialize fact args: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		"DELETE FROM memory_facts WHERE predicate = ? AND args = ?",
		fact.Predicate, string(args),
	)
	if err != nil {
		return fmt.Errorf("failed to delete memory fact: %w", err)
	}
	return nil
}

// LoadMemoryFacts returns every persisted fact in insertion order.
func (s *Store) LoadMemoryFacts(ctx context.Context) ([]memory.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT predicate, args FROM memory_facts ORDER BY created_at, predicate",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load memory facts: %w", err)
	}
	defer rows.Close()

	var facts []memory.Fact
	for rows.Next() {
		var fact memory.Fact
		var argsJSON string
		if err := rows.Scan(&fact.Predicate, &argsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan memory fact: %w", err)
		}
		if err := json.Unmarshal([]byte(argsJSON), &fact.Args); err != nil {
			continue
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}
