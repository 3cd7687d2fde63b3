// Package memory implements C4: L1 episodic journal, L2 durable semantic
// rules, and L3 preference-pair export for an external nightly fine-tuner.
// L1/L2 live in the relational store; L3 is appended to a JSONL dataset
// file so the fine-tuner boundary stays entirely off-core. Model swaps
// never touch L1-L3: nothing here references a model handle.
package memory

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
)

// Config controls retention and reinforcement thresholds.
type Config struct {
	L1RetentionDays  int
	L2HalfLifeDays   map[string]int // by rule kind, e.g. "client_supplier_account"
	L2ScoreFloor     float64
	L2ReinforceAfter int
	L3DatasetPath    string
}

// Store is the C4 contract implementation.
type Store struct {
	st  store.Store
	cfg Config
}

// New builds a memory Store over the relational backend.
func New(st store.Store, cfg Config) *Store {
	return &Store{st: st, cfg: cfg}
}

// Suggest returns live L2 rules for a lookup key, sorted by decayed score
// descending, filtering out rules that have decayed below the score floor.
func (s *Store) Suggest(ctx context.Context, key model.MemoryRuleKey) ([]model.MemoryRule, error) {
	rules, err := s.st.ListMemoryRules(ctx, key)
	if err != nil {
		return nil, eris.Wrap(err, "memory: list rules")
	}
	now := time.Now().UTC()
	live := make([]model.MemoryRule, 0, len(rules))
	for _, r := range rules {
		if r.DecayedScore(now) > s.cfg.L2ScoreFloor {
			live = append(live, r)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].DecayedScore(now) > live[j].DecayedScore(now)
	})
	return live, nil
}

// RecordCorrection reinforces or creates an L2 rule from an operator
// correction. Identical (key, correction) events only strengthen the
// existing rule; a correction that disagrees with a rule already reinforced
// at least L2ReinforceAfter times splits into a second rule flagged
// Conflict, rather than overwriting the original.
func (s *Store) RecordCorrection(ctx context.Context, key model.MemoryRuleKey, bookingID, account, vatClass string) error {
	now := time.Now().UTC()

	exact, err := s.st.GetMemoryRuleExact(ctx, key, account, vatClass)
	if err != nil {
		return eris.Wrap(err, "memory: get exact rule")
	}
	if exact != nil {
		exact.Hits++
		exact.LastUsed = now
		exact.Confidence = reinforce(exact.Confidence)
		return eris.Wrap(s.st.UpsertMemoryRule(ctx, *exact), "memory: reinforce rule")
	}

	existing, err := s.st.ListMemoryRules(ctx, key)
	if err != nil {
		return eris.Wrap(err, "memory: list existing rules")
	}
	conflict := false
	for _, r := range existing {
		if r.Hits >= s.cfg.L2ReinforceAfter && (r.SuggestedAccount != account || r.VATClass != vatClass) {
			conflict = true
			break
		}
	}

	rule := model.MemoryRule{
		Key:              key,
		SuggestedAccount: account,
		VATClass:         vatClass,
		Confidence:       0.5,
		Hits:             1,
		LastUsed:         now,
		CreatedFrom:      bookingID,
		HalfLifeDays:     s.halfLifeFor(key),
		Conflict:         conflict,
	}
	return eris.Wrap(s.st.UpsertMemoryRule(ctx, rule), "memory: create rule")
}

func (s *Store) halfLifeFor(key model.MemoryRuleKey) int {
	if key.SupplierID == "" {
		if hl, ok := s.cfg.L2HalfLifeDays["client_supplier_account"]; ok {
			return hl
		}
	}
	if hl, ok := s.cfg.L2HalfLifeDays["supplier_vat_class"]; ok {
		return hl
	}
	return 180
}

func reinforce(confidence float64) float64 {
	next := confidence + (1-confidence)*0.25
	if next > 0.99 {
		return 0.99
	}
	return next
}

// Journal appends an L1 episodic entry.
func (s *Store) Journal(ctx context.Context, e model.JournalEntry) error {
	return eris.Wrap(s.st.AppendJournal(ctx, e), "memory: journal append")
}

// PruneJournal removes L1 entries older than the configured retention.
func (s *Store) PruneJournal(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.L1RetentionDays)
	n, err := s.st.PruneJournal(ctx, cutoff)
	return n, eris.Wrap(err, "memory: prune journal")
}

// PreferencePair appends an L3 record to the JSONL dataset file consumed
// by the external nightly fine-tuner. Deliberately file-based rather than
// a store table: the fine-tuner is an off-core collaborator that only
// needs to tail a file, never a database connection.
func (s *Store) PreferencePair(pair model.PreferencePair) error {
	f, err := os.OpenFile(s.cfg.L3DatasetPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return eris.Wrapf(err, "memory: open l3 dataset %s", s.cfg.L3DatasetPath)
	}
	defer f.Close()

	line, err := json.Marshal(pair)
	if err != nil {
		return eris.Wrap(err, "memory: marshal preference pair")
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return eris.Wrapf(err, "memory: append l3 dataset %s", s.cfg.L3DatasetPath)
	}
	return nil
}
