package provision

type Outcome string

const (
	OutcomeCreated        Outcome = "created"
	OutcomeAlreadyPresent Outcome = "already-present"
	OutcomeUpdated        Outcome = "updated"
	OutcomeFailed         Outcome = "failed"
	OutcomeSkipped        Outcome = "skipped"
)

// Result is the per-resource status a Provisioner reports.
type Result struct {
	Resource string
	Outcome  Outcome
	Detail   string
}

func Created(resource string) Result {
	return Result{Resource: resource, Outcome: OutcomeCreated}
}

func AlreadyPresent(resource string) Result {
	return Result{Resource: resource, Outcome: OutcomeAlreadyPresent}
}

func Updated(resource, detail string) Result {
	return Result{Resource: resource, Outcome: OutcomeUpdated, Detail: detail}
}

func Failed(resource, detail string) Result {
	return Result{Resource: resource, Outcome: OutcomeFailed, Detail: detail}
}
