package dispatch

import (
	"encoding/json"

	"github.com/standardbeagle/devbridge/internal/protocol"
)

// Outcome is the result of delivering one command to one target: either the
// handler's payload or a classified failure.
type Outcome struct {
	Target   Target
	Value    protocol.Response
	Err      error
	Attempts int
}

// Success builds a successful outcome.
func Success(t Target, v protocol.Response, attempts int) Outcome {
	return Outcome{Target: t, Value: v, Attempts: attempts}
}

// Failure builds a failed outcome.
func Failure(t Target, err error, attempts int) Outcome {
	return Outcome{Target: t, Err: err, Attempts: attempts}
}

// OK reports whether the command succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// Class returns the failure class, ClassNone on success.
func (o Outcome) Class() FailureClass { return Classify(o.Err) }

// MarshalJSON passes successful payloads through unchanged and encodes
// failures as {"error": message}.
func (o Outcome) MarshalJSON() ([]byte, error) {
	if o.Err != nil {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{o.Err.Error()})
	}
	return o.Value.MarshalJSON()
}

// Results maps target IDs to their outcomes.
type Results map[string]Outcome

// Succeeded counts successful outcomes.
func (r Results) Succeeded() int {
	n := 0
	for _, o := range r {
		if o.OK() {
			n++
		}
	}
	return n
}

// Failed counts failed outcomes.
func (r Results) Failed() int {
	return len(r) - r.Succeeded()
}
