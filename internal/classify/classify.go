// Package classify implements the Classification Oracle: a pure function
// from query text and an optional retrieval result to a single
// confidentiality decision. Grounded on
// internal/policy.Engine.Evaluate ordered-rule-wins-first shape.
package classify

import "elidacore/internal/core"

// Reason names which rule produced a Decision.
type Reason string

const (
	ReasonChunkFromConfidentialBucket Reason = "chunk_from_confidential_bucket"
	ReasonQueryPII                    Reason = "query_pii"
	ReasonNoSignal                    Reason = "no_signal"
)

// Decision is the oracle's sole output.
type Decision struct {
	Confidential bool
	Reason       Reason
}

// PIIDetector is the subset of internal/pii the oracle depends on. Taking
// an interface here, rather than importing internal/pii directly, keeps
// the oracle's dependency on the detector explicit and mockable in tests.
type PIIDetector interface {
	Detect(text string) (bool, error)
}

// Oracle evaluates a fixed three-rule cascade. It never reads
// core.Principal: routing on identity rather than content
// is precisely the bug class this component exists to prevent.
type Oracle struct {
	detector PIIDetector
}

// New builds an Oracle backed by the given PII detector.
func New(detector PIIDetector) *Oracle {
	return &Oracle{detector: detector}
}

// Classify applies the cascade: a confidential chunk in the retrieval
// result always wins; failing that, PII in the query text; failing that,
// the interaction is not confidential. retrieval may be nil when no
// retrieval was performed for this query.
func (o *Oracle) Classify(query string, retrieval *core.RetrievalResult) (Decision, error) {
	if retrieval != nil && retrieval.HasConfidential() {
		return Decision{Confidential: true, Reason: ReasonChunkFromConfidentialBucket}, nil
	}

	hasPII, err := o.detector.Detect(query)
	if err != nil {
		return Decision{}, err
	}
	if hasPII {
		return Decision{Confidential: true, Reason: ReasonQueryPII}, nil
	}

	return Decision{Confidential: false, Reason: ReasonNoSignal}, nil
}
