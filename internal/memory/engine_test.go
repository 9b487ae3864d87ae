package memory

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func TestAssertAndRecall(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.AssertDisambiguation(ctx, "the spicy one", "MenuItem", "name", "spicy burger", 0.3); err != nil {
		t.Fatalf("AssertDisambiguation failed: %v", err)
	}
	if err := e.AssertWorkflowHint(ctx, "order the usual", "create-order", 0.2); err != nil {
		t.Fatalf("AssertWorkflowHint failed: %v", err)
	}

	facts, err := e.Recall(PredDisambiguation)
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected 1 disambiguation fact, got %d", len(facts))
	}
	if facts[0].Args[0] != "the spicy one" || facts[0].Args[3] != "spicy burger" {
		t.Errorf("unexpected fact args: %v", facts[0].Args)
	}

	hints, err := e.Recall(PredWorkflowHint, "", "create-order")
	if err != nil {
		t.Fatalf("Recall with filter failed: %v", err)
	}
	if len(hints) != 1 {
		t.Fatalf("expected 1 workflow hint, got %d", len(hints))
	}

	none, err := e.Recall(PredWorkflowHint, "", "other-workflow")
	if err != nil {
		t.Fatalf("Recall with filter failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("filter should exclude non-matching hints, got %d", len(none))
	}
}

func TestAssertRejectsUndeclaredPredicate(t *testing.T) {
	e := newTestEngine(t)

	err := e.Assert(context.Background(), Fact{Predicate: "unknown_pred", Args: []interface{}{"x"}})
	if err == nil {
		t.Fatal("expected error for undeclared predicate")
	}

	err = e.Assert(context.Background(), Fact{Predicate: PredWorkflowHint, Args: []interface{}{"just one"}})
	if err == nil {
		t.Fatal("expected arity error")
	}
}

func TestAssertIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := e.AssertWorkflowHint(ctx, "order the usual", "create-order", 0.2); err != nil {
			t.Fatalf("Assert #%d failed: %v", i, err)
		}
	}

	stats := e.GetStats()
	if stats.PredicateCounts[PredWorkflowHint] != 1 {
		t.Errorf("expected 1 stored fact, got %d", stats.PredicateCounts[PredWorkflowHint])
	}
}

func TestRetract(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.AssertWorkflowHint(ctx, "order the usual", "create-order", 0.2); err != nil {
		t.Fatalf("Assert failed: %v", err)
	}
	fact := Fact{Predicate: PredWorkflowHint, Args: []interface{}{"order the usual", "create-order", 0.2}}
	if err := e.Retract(ctx, fact); err != nil {
		t.Fatalf("Retract failed: %v", err)
	}

	facts, err := e.Recall(PredWorkflowHint)
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(facts) != 0 {
		t.Errorf("expected no facts after retract, got %d", len(facts))
	}

	// Retracting an absent fact is not an error.
	if err := e.Retract(ctx, fact); err != nil {
		t.Errorf("retracting absent fact should succeed: %v", err)
	}
}

func TestQueryMangleNotation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.AssertWorkflowHint(ctx, "order the usual", "create-order", 0.2); err != nil {
		t.Fatalf("Assert failed: %v", err)
	}
	if err := e.AssertWorkflowHint(ctx, "book a table", "reserve-table", 0.4); err != nil {
		t.Fatalf("Assert failed: %v", err)
	}

	rows, err := e.Query(ctx, `workflow_hint(Phrase, "create-order", Weight)`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["Phrase"] != "order the usual" {
		t.Errorf("unexpected Phrase binding: %v", rows[0]["Phrase"])
	}
	if w, ok := rows[0]["Weight"].(float64); !ok || w != 0.2 {
		t.Errorf("unexpected Weight binding: %v", rows[0]["Weight"])
	}

	if _, err := e.Query(ctx, `nonexistent(X)`); err == nil {
		t.Error("expected error for undeclared predicate query")
	}
}

func TestFactLimit(t *testing.T) {
	e, err := NewEngine(Config{FactLimit: 2, QueryTimeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := e.AssertWorkflowHint(ctx, fmt.Sprintf("phrase %d", i), "create-order", 0.1); err != nil {
			t.Fatalf("Assert #%d failed: %v", i, err)
		}
	}
	if err := e.AssertWorkflowHint(ctx, "one too many", "create-order", 0.1); err == nil {
		t.Fatal("expected fact limit error")
	}
}

// fakePersistence records saves and deletes in memory.
type fakePersistence struct {
	saved   []Fact
	deleted []Fact
}

func (p *fakePersistence) SaveMemoryFact(_ context.Context, f Fact) error {
	p.saved = append(p.saved, f)
	return nil
}

func (p *fakePersistence) DeleteMemoryFact(_ context.Context, f Fact) error {
	p.deleted = append(p.deleted, f)
	return nil
}

func (p *fakePersistence) LoadMemoryFacts(context.Context) ([]Fact, error) {
	return p.saved, nil
}

func TestWarmFromPersistence(t *testing.T) {
	p := &fakePersistence{saved: []Fact{
		{Predicate: PredWorkflowHint, Args: []interface{}{"order the usual", "create-order", 0.2}},
		{Predicate: "bad_predicate", Args: []interface{}{"skipped"}},
	}}

	e, err := NewEngine(DefaultConfig(), p)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := e.WarmFromPersistence(context.Background()); err != nil {
		t.Fatalf("WarmFromPersistence failed: %v", err)
	}

	facts, err := e.Recall(PredWorkflowHint)
	if err != nil {
		t.Fatalf("Recall failed: %v", err)
	}
	if len(facts) != 1 {
		t.Errorf("expected 1 warmed fact, got %d", len(facts))
	}
}

func TestAssertWritesThroughPersistence(t *testing.T) {
	p := &fakePersistence{}
	e, err := NewEngine(DefaultConfig(), p)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	ctx := context.Background()

	if err := e.AssertWorkflowHint(ctx, "order the usual", "create-order", 0.2); err != nil {
		t.Fatalf("Assert failed: %v", err)
	}
	if len(p.saved) != 1 {
		t.Fatalf("expected 1 persisted fact, got %d", len(p.saved))
	}

	if err := e.Retract(ctx, p.saved[0]); err != nil {
		t.Fatalf("Retract failed: %v", err)
	}
	if len(p.deleted) != 1 {
		t.Errorf("expected 1 deleted fact, got %d", len(p.deleted))
	}
}
