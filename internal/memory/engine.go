// Package memory provides the symbolic memory that biases request
// interpretation. Facts live in a Google Mangle fact store and survive
// restarts through the shared SQLite store. Two predicates are declared:
//
//	disambiguation(Phrase, EntityType, Field, Value, Weight)
//	workflow_hint(Phrase, WorkflowId, Weight)
//
// Disambiguations steer slot extraction toward a preferred entity when a
// phrase is ambiguous; workflow hints boost a workflow's match score when
// its phrase appears in a request.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	_ "github.com/google/mangle/packages"
	"github.com/google/mangle/parse"
	"github.com/google/mangle/unionfind"

	"steward/internal/logging"
)

// =============================================================================
// PREDICATES
// =============================================================================

const (
	PredDisambiguation = "disambiguation"
	PredWorkflowHint   = "workflow_hint"
)

// stewardSchema declares every predicate the engine accepts. Facts against
// undeclared predicates are rejected at insert time.
const stewardSchema = `
Decl disambiguation(Phrase, EntityType, Field, Value, Weight) descr [mode("-", "-", "-", "-", "-")].
Decl workflow_hint(Phrase, WorkflowId, Weight) descr [mode("-", "-", "-")].
`

// =============================================================================
// TYPES
// =============================================================================

// Config holds memory engine configuration.
type Config struct {
	FactLimit    int
	QueryTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FactLimit:    100000,
		QueryTimeout: 5 * time.Second,
	}
}

// Fact is a single fact in the symbolic memory.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
}

// String returns the Datalog representation of the fact.
func (f Fact) String() string {
	parts := make([]string, len(f.Args))
	for i, arg := range f.Args {
		switch v := arg.(type) {
		case string:
			parts[i] = fmt.Sprintf("%q", v)
		case float64:
			parts[i] = fmt.Sprintf("%f", v)
		case int64:
			parts[i] = fmt.Sprintf("%d", v)
		case int:
			parts[i] = fmt.Sprintf("%d", v)
		default:
			parts[i] = fmt.Sprintf("%v", v)
		}
	}
	return fmt.Sprintf("%s(%s).", f.Predicate, strings.Join(parts, ", "))
}

// Persistence describes the durability operations the engine relies on.
type Persistence interface {
	SaveMemoryFact(ctx context.Context, fact Fact) error
	DeleteMemoryFact(ctx context.Context, fact Fact) error
	LoadMemoryFacts(ctx context.Context) ([]Fact, error)
}

// Stats contains engine statistics.
type Stats struct {
	TotalFacts      int            `json:"total_facts"`
	PredicateCounts map[string]int `json:"predicate_counts"`
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine wraps a Mangle fact store with steward's predicate schema.
type Engine struct {
	config Config

	mu             sync.RWMutex
	store          factstore.ConcurrentFactStore
	baseStore      factstore.FactStoreWithRemove
	programInfo    *analysis.ProgramInfo
	queryContext   *mengine.QueryContext
	predicateIndex map[string]ast.PredicateSym
	factCount      int
	persistence    Persistence
}

// NewEngine creates a memory engine with the steward schema loaded.
func NewEngine(cfg Config, persistence Persistence) (*Engine, error) {
	baseStore := factstore.NewSimpleInMemoryStore()
	e := &Engine{
		config:         cfg,
		baseStore:      baseStore,
		store:          factstore.NewConcurrentFactStore(baseStore),
		predicateIndex: make(map[string]ast.PredicateSym),
		persistence:    persistence,
	}
	if err := e.loadSchema(stewardSchema); err != nil {
		return nil, fmt.Errorf("failed to load memory schema: %w", err)
	}
	return e, nil
}

func (e *Engine) loadSchema(schema string) error {
	unit, err := parse.Unit(bytes.NewReader([]byte(schema)))
	if err != nil {
		return fmt.Errorf("failed to parse schema: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	programInfo, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return fmt.Errorf("failed to analyze schema: %w", err)
	}

	e.programInfo = programInfo
	e.predicateIndex = make(map[string]ast.PredicateSym, len(programInfo.Decls))

	predToDecl := make(map[ast.PredicateSym]*ast.Decl, len(programInfo.Decls))
	for sym, decl := range programInfo.Decls {
		e.predicateIndex[sym.Symbol] = sym
		predToDecl[sym] = decl
	}

	predToRules := make(map[ast.PredicateSym][]ast.Clause)
	for _, clause := range programInfo.Rules {
		predToRules[clause.Head.Predicate] = append(predToRules[clause.Head.Predicate], clause)
	}

	e.queryContext = &mengine.QueryContext{
		PredToRules: predToRules,
		PredToDecl:  predToDecl,
		Store:       e.store,
	}
	return nil
}

// WarmFromPersistence hydrates the fact store from the persistence layer.
func (e *Engine) WarmFromPersistence(ctx context.Context) error {
	if isNilPersistence(e.persistence) {
		return nil
	}

	facts, err := e.persistence.LoadMemoryFacts(ctx)
	if err != nil {
		return fmt.Errorf("load persisted facts: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, fact := range facts {
		if err := e.insertLocked(fact); err != nil {
			logging.Get(logging.CategoryMemory).Warn("Skipping persisted fact %s: %v", fact, err)
		}
	}

	logging.Memory("Memory warmed with %d persisted facts", len(facts))
	return nil
}

// Assert inserts a fact and persists it.
func (e *Engine) Assert(ctx context.Context, fact Fact) error {
	timer := logging.StartTimer(logging.CategoryMemory, "Assert")
	defer timer.Stop()

	e.mu.Lock()
	err := e.insertLocked(fact)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if !isNilPersistence(e.persistence) {
		if err := e.persistence.SaveMemoryFact(ctx, fact); err != nil {
			return fmt.Errorf("persist fact %s: %w", fact, err)
		}
	}

	logging.MemoryDebug("Asserted %s", fact)
	return nil
}

// Retract removes a fact and deletes it from persistence. Retracting an
// absent fact is not an error.
func (e *Engine) Retract(ctx context.Context, fact Fact) error {
	e.mu.Lock()
	atom, err := e.factToAtomLocked(fact)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if e.baseStore.Remove(atom) && e.factCount > 0 {
		e.factCount--
	}
	e.mu.Unlock()

	if !isNilPersistence(e.persistence) {
		if err := e.persistence.DeleteMemoryFact(ctx, fact); err != nil {
			return fmt.Errorf("delete persisted fact %s: %w", fact, err)
		}
	}

	logging.MemoryDebug("Retracted %s", fact)
	return nil
}

// Recall returns facts for a predicate, optionally filtered by exact
// argument values (empty string matches any value).
func (e *Engine) Recall(predicate string, filter ...string) ([]Fact, error) {
	e.mu.RLock()
	sym, ok := e.predicateIndex[predicate]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("predicate %s is not declared", predicate)
	}

	var results []Fact
	err := e.store.GetFacts(ast.NewQuery(sym), func(atom ast.Atom) error {
		args := make([]interface{}, len(atom.Args))
		for i, arg := range atom.Args {
			args[i] = termToInterface(arg)
		}
		fact := Fact{Predicate: predicate, Args: args}
		if matchesFilter(fact, filter) {
			results = append(results, fact)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Query evaluates a query expressed in Mangle notation, e.g.
// workflow_hint(X, "order_pizza", W).
func (e *Engine) Query(ctx context.Context, query string) ([]map[string]interface{}, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "Query")
	defer timer.Stop()

	shape, err := parseQueryShape(query)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	queryContext := e.queryContext
	decl, ok := queryContext.PredToDecl[shape.atom.Predicate]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("predicate %s is not declared", shape.atom.Predicate.Symbol)
	}
	if len(decl.Modes()) == 0 {
		return nil, fmt.Errorf("predicate %s has no modes declared", shape.atom.Predicate.Symbol)
	}
	mode := decl.Modes()[0]

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := e.config.QueryTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resultChan := make(chan []map[string]interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		var results []map[string]interface{}
		err := queryContext.EvalQuery(shape.atom, mode, unionfind.New(), func(fact ast.Atom) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			row := make(map[string]interface{}, len(shape.variables))
			for _, binding := range shape.variables {
				if binding.Index >= len(fact.Args) {
					continue
				}
				row[binding.Name] = termToInterface(fact.Args[binding.Index])
			}
			results = append(results, row)
			return nil
		})
		if err != nil {
			errChan <- err
			return
		}
		resultChan <- results
	}()

	select {
	case results := <-resultChan:
		return results, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("memory query timed out: %w", ctx.Err())
	}
}

// GetStats returns fact counts per predicate.
func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	counts := make(map[string]int)
	total := 0
	for _, sym := range e.store.ListPredicates() {
		n := 0
		_ = e.store.GetFacts(ast.NewQuery(sym), func(ast.Atom) error {
			n++
			return nil
		})
		counts[sym.Symbol] = n
		total += n
	}

	return Stats{TotalFacts: total, PredicateCounts: counts}
}

// Clear removes all facts from the in-memory store. Persisted facts are
// untouched.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.baseStore = factstore.NewSimpleInMemoryStore()
	e.store = factstore.NewConcurrentFactStore(e.baseStore)
	e.queryContext.Store = e.store
	e.factCount = 0
}

// =============================================================================
// CONVENIENCE ASSERTIONS
// =============================================================================

// AssertDisambiguation records that a phrase should resolve to a specific
// entity field value.
func (e *Engine) AssertDisambiguation(ctx context.Context, phrase, entityType, field, value string, weight float64) error {
	return e.Assert(ctx, Fact{
		Predicate: PredDisambiguation,
		Args:      []interface{}{phrase, entityType, field, value, weight},
	})
}

// AssertWorkflowHint records that a phrase suggests a workflow.
func (e *Engine) AssertWorkflowHint(ctx context.Context, phrase, workflowID string, weight float64) error {
	return e.Assert(ctx, Fact{
		Predicate: PredWorkflowHint,
		Args:      []interface{}{phrase, workflowID, weight},
	})
}

// =============================================================================
// INTERNALS
// =============================================================================

func (e *Engine) insertLocked(fact Fact) error {
	if e.config.FactLimit > 0 && e.factCount >= e.config.FactLimit {
		return fmt.Errorf("fact limit exceeded: %d", e.config.FactLimit)
	}

	atom, err := e.factToAtomLocked(fact)
	if err != nil {
		return err
	}

	if e.store.Add(atom) {
		e.factCount++
	}
	return nil
}

func (e *Engine) factToAtomLocked(fact Fact) (ast.Atom, error) {
	sym, ok := e.predicateIndex[fact.Predicate]
	if !ok {
		return ast.Atom{}, fmt.Errorf("predicate %s is not declared", fact.Predicate)
	}
	if len(fact.Args) != sym.Arity {
		return ast.Atom{}, fmt.Errorf("predicate %s expects %d args, got %d", fact.Predicate, sym.Arity, len(fact.Args))
	}

	args := make([]ast.BaseTerm, len(fact.Args))
	for i, raw := range fact.Args {
		term, err := valueToTerm(raw)
		if err != nil {
			return ast.Atom{}, fmt.Errorf("predicate %s arg %d: %w", fact.Predicate, i, err)
		}
		args[i] = term
	}
	return ast.Atom{Predicate: sym, Args: args}, nil
}

// valueToTerm converts a Go value to a Mangle constant. Phrases and ids are
// always string constants, never promoted to name constants, because our
// arguments contain spaces and punctuation.
func valueToTerm(value interface{}) (ast.BaseTerm, error) {
	switch v := value.(type) {
	case ast.BaseTerm:
		return v, nil
	case string:
		return ast.String(v), nil
	case int:
		return ast.Number(int64(v)), nil
	case int64:
		return ast.Number(v), nil
	case float32:
		return ast.Float64(float64(v)), nil
	case float64:
		return ast.Float64(v), nil
	case bool:
		if v {
			return ast.TrueConstant, nil
		}
		return ast.FalseConstant, nil
	default:
		return nil, fmt.Errorf("unsupported fact argument type %T", v)
	}
}

func termToInterface(term ast.BaseTerm) interface{} {
	switch v := term.(type) {
	case ast.Constant:
		switch v.Type {
		case ast.StringType, ast.NameType, ast.BytesType:
			return v.Symbol
		case ast.NumberType:
			return v.NumValue
		case ast.Float64Type:
			return math.Float64frombits(uint64(v.NumValue))
		default:
			return v.String()
		}
	case ast.Variable:
		return v.Symbol
	default:
		return fmt.Sprintf("%v", term)
	}
}

func matchesFilter(fact Fact, filter []string) bool {
	for i, want := range filter {
		if want == "" || i >= len(fact.Args) {
			continue
		}
		if fmt.Sprintf("%v", fact.Args[i]) != want {
			return false
		}
	}
	return true
}

func isNilPersistence(p Persistence) bool {
	if p == nil {
		return true
	}
	val := reflect.ValueOf(p)
	return val.Kind() == reflect.Ptr && val.IsNil()
}

type queryVariable struct {
	Name  string
	Index int
}

type queryShape struct {
	atom      ast.Atom
	variables []queryVariable
}

func parseQueryShape(query string) (*queryShape, error) {
	clean := strings.TrimSpace(query)
	if clean == "" {
		return nil, fmt.Errorf("empty query")
	}
	if strings.HasPrefix(clean, "?") {
		clean = strings.TrimSpace(clean[1:])
	}
	if strings.HasSuffix(clean, ".") {
		clean = strings.TrimSpace(clean[:len(clean)-1])
	}

	atom, err := parse.Atom(clean)
	if err != nil {
		atom, err = parse.Atom(clean + ".")
		if err != nil {
			return nil, fmt.Errorf("failed to parse query %q: %w", query, err)
		}
	}

	variables := make([]queryVariable, 0, len(atom.Args))
	for idx, arg := range atom.Args {
		if variable, ok := arg.(ast.Variable); ok {
			variables = append(variables, queryVariable{Name: variable.Symbol, Index: idx})
		}
	}
	return &queryShape{atom: atom, variables: variables}, nil
}
