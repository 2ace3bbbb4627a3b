package transform

import "fmt"

// Outcome classifies what a transformer did with one resource.
type Outcome string

const (
	OutcomeCreated              Outcome = "created"
	OutcomeUpdated              Outcome = "updated"
	OutcomeDuplicate            Outcome = "duplicate"
	OutcomeUnresolvedMapping    Outcome = "unresolved-mapping"
	OutcomeUnresolvedIdentity   Outcome = "unresolved-identity"
	OutcomeUpstreamWriteFailure Outcome = "upstream-write-failure"
	OutcomeMalformedResource    Outcome = "malformed-resource"

	// OutcomeLookupFailure means a collaborator failed before anything was
	// written to the tracker. Retrying is safe.
	OutcomeLookupFailure Outcome = "lookup-failure"
	// OutcomeStoreFailure means the tracker write succeeded but recording it
	// in the mapping store did not.
	OutcomeStoreFailure Outcome = "store-failure"
)

// Success reports whether the resource is reflected in the tracker.
// Duplicates count as success.
func (o Outcome) Success() bool {
	switch o {
	case OutcomeCreated, OutcomeUpdated, OutcomeDuplicate:
		return true
	}
	return false
}

// Result is the per-resource report returned by every transformer.
type Result struct {
	ResourceType string
	ID           string
	Outcome      Outcome
	Detail       string
	// TargetID is the tracker id written or matched: a tracked entity,
	// enrollment or event.
	TargetID string
	// Ambiguous is set when the person lookup matched several records.
	Ambiguous bool
	Err       error
}

func result(rt, id string) Result {
	return Result{ResourceType: rt, ID: id}
}

func (r Result) with(o Outcome, format string, args ...interface{}) Result {
	r.Outcome = o
	r.Detail = fmt.Sprintf(format, args...)
	return r
}

func (r Result) failed(o Outcome, err error, detail string) Result {
	r.Outcome = o
	r.Err = err
	r.Detail = detail
	if err != nil {
		r.Detail = detail + ": " + err.Error()
	}
	return r
}
