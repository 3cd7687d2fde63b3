package model

// CheckSource identifies which of the three independent checks produced a
// verification result.
type CheckSource string

const (
	CheckSourceAI   CheckSource = "ai"
	CheckSourceAlgo CheckSource = "algo"
	CheckSourceRule CheckSource = "rule"
)

// Agreement summarizes how many of the three checks concurred.
type Agreement string

const (
	Agreement3of3 Agreement = "3of3"
	Agreement2of3 Agreement = "2of3"
	Agreement1of3 Agreement = "1of3"
	AgreementNone Agreement = "none"
)

// Check is a single check's outcome for one field.
type Check struct {
	Source CheckSource `json:"source"`
	Value  any         `json:"value"`
	OK     bool        `json:"ok"`
	Detail string      `json:"detail,omitempty"`
}

// Consensus is the three-way verification outcome for one field.
type Consensus struct {
	Checks    []Check   `json:"checks"`
	Agreement Agreement `json:"agreement"`
	Score     float64   `json:"score"`
	Admitted  bool      `json:"admitted"`
	Warning   bool      `json:"warning"`
}

// VerifiedDoc is an ExtractedDoc plus per-field consensus.
type VerifiedDoc struct {
	ExtractedDoc
	Verification map[string]Consensus `json:"verification"`
}

// WorstAgreement returns the weakest agreement across all verified fields,
// used by the booking pipeline to decide blockers.
func (v VerifiedDoc) WorstAgreement() Agreement {
	worst := Agreement3of3
	rank := map[Agreement]int{Agreement3of3: 0, Agreement2of3: 1, Agreement1of3: 2, AgreementNone: 3}
	for _, c := range v.Verification {
		if rank[c.Agreement] > rank[worst] {
			worst = c.Agreement
		}
	}
	return worst
}

// HasBlockingField reports whether any field verification is at 1of3/none.
func (v VerifiedDoc) HasBlockingField() bool {
	for _, c := range v.Verification {
		if c.Agreement == Agreement1of3 || c.Agreement == AgreementNone {
			return true
		}
	}
	return false
}
