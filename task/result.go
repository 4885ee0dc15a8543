package task

// ResultKind is the outcome variant a handler returns.
type ResultKind string

const (
	ResultOK        ResultKind = "ok"
	ResultFailed    ResultKind = "failed"
	ResultEscalated ResultKind = "escalated"
)

// Result is the tagged outcome of a handler invocation. Handlers never
// mutate task status directly; the dispatcher maps the result onto a
// state-machine transition.
type Result struct {
	Kind       ResultKind
	Reason     string
	Escalation *Escalation
}

// Ok reports successful completion.
func Ok() Result {
	return Result{Kind: ResultOK}
}

// Failed reports a failure with a stable reason string.
func Failed(reason string) Result {
	return Result{Kind: ResultFailed, Reason: reason}
}

// Escalated requests human attention. The escalation's TaskID is filled
// in by the dispatcher before persisting.
func Escalated(esc *Escalation) Result {
	return Result{Kind: ResultEscalated, Reason: esc.Reason, Escalation: esc}
}
