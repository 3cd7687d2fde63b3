package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/money"
)

// State is a booking's position in the approval state machine.
type State string

const (
	StateIngested    State = "INGESTED"
	StateExtracted   State = "EXTRACTED"
	StateVerified    State = "VERIFIED"
	StateProposed    State = "PROPOSED"
	StateNeedsReview State = "NEEDS_REVIEW"
	StateCorrected   State = "CORRECTED"
	StateApproved    State = "APPROVED"
	StateRejected    State = "REJECTED"
	StateExported    State = "EXPORTED"
	StateBlocked     State = "BLOCKED"
)

// Terminal reports whether a state accepts no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateExported, StateRejected, StateBlocked:
		return true
	default:
		return false
	}
}

// Side is a ledger entry's debit/credit side.
type Side string

const (
	SideDebit  Side = "debit"
	SideCredit Side = "credit"
)

// Entry is one leg of a double-entry booking line.
type Entry struct {
	Account  string        `json:"account"`
	Side     Side          `json:"side"`
	Amount   money.Decimal `json:"amount"`
	Currency string        `json:"currency"`
}

// CitationRef pins a booking's legal grounding to a specific, dated
// provision.
type CitationRef struct {
	LawCode     string    `json:"law_code"`
	Article     string    `json:"article"`
	Paragraph   string    `json:"paragraph,omitempty"`
	GazetteRef  string    `json:"gazette_ref"`
	EffectiveOn time.Time `json:"effective_on"`
}

// ProposedBy identifies whether a booking originated from the automated
// pipeline or an operator, and if the latter, which one.
type ProposedBy string

const ProposedByPipeline ProposedBy = "pipeline"

func ProposedByUser(userID string) ProposedBy {
	return ProposedBy("user:" + userID)
}

// Booking is a proposed or finalized double-entry accounting record.
type Booking struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"client_id"`
	SourceBlobID   string        `json:"source,omitempty"`
	Class          DocClass      `json:"class"`
	Entries        []Entry       `json:"entries"`
	VATBreakdown   []VATLine     `json:"vat_breakdown,omitempty"`
	PostingDate    time.Time     `json:"posting_date"`
	Narrative      string        `json:"narrative"`
	Citations      []CitationRef `json:"citations,omitempty"`
	Status         State         `json:"status"`
	ProposedBy     ProposedBy    `json:"proposed_by"`
	ApprovedBy     string        `json:"approved_by,omitempty"`
	CorrectedFrom  string        `json:"corrected_from,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	FinalizedAt    *time.Time    `json:"finalized_at,omitempty"`
	Fingerprint    string        `json:"fingerprint"`

	// Blockers is the set of reasons preventing auto-advance to PROPOSED;
	// empty once resolved. Not part of the fingerprint.
	Blockers []Blocker `json:"blockers,omitempty"`

	// FieldVerification is the per-field consensus computed at ingest time.
	// A correction carries it forward unchanged: an operator correcting the
	// derived ledger entries does not retroactively change what the AI,
	// algo, and rule checks agreed on for the underlying extracted fields.
	FieldVerification map[string]Consensus `json:"field_verification,omitempty"`

	// ExportAttempts counts ExportPending retries, surfaced on
	// GET /bookings/{id} so an operator can see a stuck export.
	ExportAttempts int `json:"export_attempts,omitempty"`

	// OverrideJustification records an operator's explicit override of a
	// rule-check blocker.
	OverrideJustification string `json:"override_justification,omitempty"`
}

// VATLine is one VAT block of a multi-VAT invoice.
type VATLine struct {
	Rate      money.Decimal `json:"rate"`
	Net       money.Decimal `json:"net"`
	VAT       money.Decimal `json:"vat"`
	ReverseCharge bool      `json:"reverse_charge"`
}

// Blocker names a condition preventing auto-advance to PROPOSED.
type Blocker string

const (
	BlockerFieldConsensus     Blocker = "field_consensus_1of3"
	BlockerLedgerImbalance    Blocker = "ledger_imbalance"
	BlockerAMLThreshold       Blocker = "aml_threshold_exceeded"
	BlockerSupplierChanged    Blocker = "supplier_fiscal_account_changed"
	BlockerMemoryConflict     Blocker = "memory_rule_conflict"
	BlockerMissingFXRate      Blocker = "missing_fx_rate"
)

// BalancedPerCurrency verifies sum(debits) == sum(credits) for every
// currency present.
func (b Booking) BalancedPerCurrency() bool {
	debits := map[string]money.Decimal{}
	credits := map[string]money.Decimal{}
	for _, e := range b.Entries {
		switch e.Side {
		case SideDebit:
			debits[e.Currency] = debits[e.Currency].Add(e.Amount)
		case SideCredit:
			credits[e.Currency] = credits[e.Currency].Add(e.Amount)
		}
	}
	seen := map[string]bool{}
	for cur, d := range debits {
		seen[cur] = true
		if !d.Equal(credits[cur]) {
			return false
		}
	}
	for cur, c := range credits {
		if seen[cur] {
			continue
		}
		if !c.IsZero() {
			return false
		}
	}
	return true
}

// canonicalBooking is the stable, deterministic encoding of the
// fields that define a booking's identity, for fingerprinting. Model-
// derived suggestion fields (e.g. which account was suggested by AI) are
// excluded so that fingerprints survive a model swap; only deterministic,
// non-model-derived fields participate.
type canonicalBooking struct {
	ClientID     string          `json:"client_id"`
	SourceBlobID string          `json:"source"`
	Class        DocClass        `json:"class"`
	Entries      []canonicalLine `json:"entries"`
	PostingDate  string          `json:"posting_date"`
	Citations    []CitationRef   `json:"citations"`
}

type canonicalLine struct {
	Account  string `json:"account"`
	Side     Side   `json:"side"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// ComputeFingerprint hashes the canonical encoding of the booking's
// deterministic fields.
func (b Booking) ComputeFingerprint() string {
	entries := make([]canonicalLine, len(b.Entries))
	for i, e := range b.Entries {
		entries[i] = canonicalLine{
			Account:  e.Account,
			Side:     e.Side,
			Amount:   e.Amount.StringFixed(2),
			Currency: e.Currency,
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Account != entries[j].Account {
			return entries[i].Account < entries[j].Account
		}
		return entries[i].Side < entries[j].Side
	})

	citations := append([]CitationRef(nil), b.Citations...)
	sort.Slice(citations, func(i, j int) bool {
		return fmt.Sprintf("%s%s%s", citations[i].LawCode, citations[i].Article, citations[i].Paragraph) <
			fmt.Sprintf("%s%s%s", citations[j].LawCode, citations[j].Article, citations[j].Paragraph)
	})

	cb := canonicalBooking{
		ClientID:     b.ClientID,
		SourceBlobID: b.SourceBlobID,
		Class:        b.Class,
		Entries:      entries,
		PostingDate:  b.PostingDate.UTC().Format("2006-01-02"),
		Citations:    citations,
	}
	raw, _ := json.Marshal(cb)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
