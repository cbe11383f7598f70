package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/gomaestro/maestro/pkg/protocol"
	"github.com/gomaestro/maestro/pkg/taskspace"
)

const rulesFile = "rules.json"

// Gateway serves task memory. Rules persist as JSON under the task's
// memory directory; semantic recall uses a per-task chromem collection
// and is disabled when no embedder is configured.
type Gateway struct {
	store    *taskspace.Store
	embedder chromem.EmbeddingFunc
	logger   *slog.Logger

	mu          sync.Mutex
	rules       map[string][]Rule
	collections map[string]*chromem.Collection
	wg          sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithEmbedder enables semantic recall using the given embedding func,
// for example chromem.NewEmbeddingFuncOpenAI.
func WithEmbedder(fn chromem.EmbeddingFunc) Option {
	return func(g *Gateway) { g.embedder = fn }
}

// WithLogger sets the gateway's logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates a gateway over the store.
func NewGateway(store *taskspace.Store, opts ...Option) *Gateway {
	g := &Gateway{
		store:       store,
		logger:      slog.Default(),
		rules:       make(map[string][]Rule),
		collections: make(map[string]*chromem.Collection),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Close waits for in-flight ingestions to finish.
func (g *Gateway) Close() {
	g.wg.Wait()
}

// RecordRule validates, persists and caches a new rule, returning it with
// its assigned ID.
func (g *Gateway) RecordRule(taskID string, rule Rule) (Rule, error) {
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	rule.ID = uuid.NewString()
	rule.CreatedAt = time.Now().UTC()

	g.mu.Lock()
	defer g.mu.Unlock()

	rules, err := g.loadLocked(taskID)
	if err != nil {
		return Rule{}, err
	}
	rules = append(rules, rule)
	if err := g.saveLocked(taskID, rules); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// Rules returns the task's rules in recording order.
func (g *Gateway) Rules(taskID string) ([]Rule, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rules, err := g.loadLocked(taskID)
	if err != nil {
		return nil, err
	}
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out, nil
}

// ClearHotIssue drops hot issues originating from the given step,
// typically when the step completes.
func (g *Gateway) ClearHotIssue(taskID, originStepID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	rules, err := g.loadLocked(taskID)
	if err != nil {
		return err
	}
	kept := rules[:0]
	changed := false
	for _, r := range rules {
		if r.Kind == RuleHotIssue && r.OriginStepID == originStepID {
			changed = true
			continue
		}
		kept = append(kept, r)
	}
	if !changed {
		return nil
	}
	return g.saveLocked(taskID, kept)
}

// Ingest indexes material for later semantic recall. It runs
// asynchronously and never blocks or fails the caller; without an
// embedder it is a no-op.
func (g *Gateway) Ingest(taskID, docID, content string, metadata map[string]string) {
	if g.embedder == nil || strings.TrimSpace(content) == "" {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		col, err := g.collection(taskID)
		if err != nil {
			g.logger.Warn("memory ingest skipped", "task_id", taskID, "error", err)
			return
		}
		err = col.AddDocument(ctx, chromem.Document{
			ID:       docID,
			Content:  content,
			Metadata: metadata,
		})
		if err != nil {
			g.logger.Warn("memory ingest failed", "task_id", taskID, "doc_id", docID, "error", err)
		}
	}()
}

// ContextFor assembles the memory context for a briefing: rules always
// come first, then semantic recall fills whatever remains of the token
// budget. Returns an empty string when there is nothing to say.
func (g *Gateway) ContextFor(ctx context.Context, taskID, query string, budgetTokens int) (string, error) {
	rules, err := g.Rules(taskID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	writeSection(&b, "Constraints", rules, RuleConstraint)
	writeSection(&b, "Preferences", rules, RulePreference)
	writeSection(&b, "Open issues", rules, RuleHotIssue)

	used := countTokens(b.String())
	remaining := budgetTokens - used
	if g.embedder == nil || remaining <= 0 || strings.TrimSpace(query) == "" {
		return strings.TrimSpace(b.String()), nil
	}

	col, err := g.collection(taskID)
	if err != nil {
		g.logger.Warn("semantic recall unavailable", "task_id", taskID, "error", err)
		return strings.TrimSpace(b.String()), nil
	}
	n := col.Count()
	if n == 0 {
		return strings.TrimSpace(b.String()), nil
	}
	topK := 5
	if n < topK {
		topK = n
	}
	results, err := col.Query(ctx, query, topK, nil, nil)
	if err != nil {
		g.logger.Warn("semantic recall failed", "task_id", taskID, "error", err)
		return strings.TrimSpace(b.String()), nil
	}

	var notes []string
	for _, r := range results {
		cost := countTokens(r.Content)
		if cost > remaining {
			break
		}
		remaining -= cost
		notes = append(notes, "- "+r.Content)
	}
	if len(notes) > 0 {
		b.WriteString("Relevant notes:\n")
		b.WriteString(strings.Join(notes, "\n"))
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), nil
}

func writeSection(b *strings.Builder, title string, rules []Rule, kind RuleKind) {
	var lines []string
	for _, r := range rules {
		if r.Kind == kind {
			lines = append(lines, "- "+r.Text)
		}
	}
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n%s\n", title, strings.Join(lines, "\n"))
}

// loadLocked returns the cached rules, reading rules.json on first touch.
func (g *Gateway) loadLocked(taskID string) ([]Rule, error) {
	if rules, ok := g.rules[taskID]; ok {
		return rules, nil
	}
	path := filepath.Join(g.store.MemoryDir(taskID), rulesFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		g.rules[taskID] = nil
		return nil, nil
	}
	if err != nil {
		return nil, protocol.NewError(protocol.KindStorage, "failed to read rules: %v", err)
	}
	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, protocol.NewError(protocol.KindStorage, "rules file is corrupt: %v", err)
	}
	g.rules[taskID] = rules
	return rules, nil
}

func (g *Gateway) saveLocked(taskID string, rules []Rule) error {
	dir := g.store.MemoryDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return protocol.NewError(protocol.KindStorage, "failed to create memory dir: %v", err)
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return protocol.NewError(protocol.KindStorage, "failed to encode rules: %v", err)
	}
	tmp := filepath.Join(dir, rulesFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return protocol.NewError(protocol.KindStorage, "failed to write rules: %v", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, rulesFile)); err != nil {
		return protocol.NewError(protocol.KindStorage, "failed to replace rules: %v", err)
	}
	g.rules[taskID] = rules
	return nil
}

// collection lazily opens the task's persistent chromem collection.
func (g *Gateway) collection(taskID string) (*chromem.Collection, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if col, ok := g.collections[taskID]; ok {
		return col, nil
	}
	dir := g.store.MemoryDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := chromem.NewPersistentDB(filepath.Join(dir, "index"), false)
	if err != nil {
		return nil, err
	}
	col, err := db.GetOrCreateCollection("task", nil, g.embedder)
	if err != nil {
		return nil, err
	}
	g.collections[taskID] = col
	return col, nil
}
