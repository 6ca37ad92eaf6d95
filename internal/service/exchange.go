package service

import (
	"context"
	"fmt"
	"time"

	"gitproxy-go/internal/relay"
	"gitproxy-go/internal/route"
)

// State is a step in the lifecycle of one forwarded request.
type State int

const (
	StateReceived State = iota
	StateResolved
	StateHeadersFiltered
	StateDispatched
	StateResponseReceived
	StateRelaying
	StateCompleted
	StateErrored
)

var stateNames = [...]string{
	StateReceived:         "received",
	StateResolved:         "resolved",
	StateHeadersFiltered:  "headers_filtered",
	StateDispatched:       "dispatched",
	StateResponseReceived: "response_received",
	StateRelaying:         "relaying",
	StateCompleted:        "completed",
	StateErrored:          "errored",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// transitions lists the legal successor states. Completed and Errored are terminal.
var transitions = map[State][]State{
	StateReceived:         {StateResolved, StateErrored},
	StateResolved:         {StateHeadersFiltered, StateCompleted},
	StateHeadersFiltered:  {StateDispatched},
	StateDispatched:       {StateResponseReceived, StateErrored},
	StateResponseReceived: {StateRelaying},
	StateRelaying:         {StateCompleted, StateErrored},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored
}

// Exchange is the per-request record of one forwarded request. It is owned
// by the goroutine serving the request and discarded when the request ends.
type Exchange struct {
	ID      string
	Method  string
	Shape   route.Shape
	Target  *route.Target
	Started time.Time

	// BytesIn counts request body bytes sent upstream, BytesOut response
	// body bytes written to the client.
	BytesIn  int64
	BytesOut int64

	state   State
	history []State
	err     error

	body   *relay.Body
	ctx    context.Context
	cancel context.CancelFunc
}

func newExchange(id, method string) *Exchange {
	return &Exchange{
		ID:      id,
		Method:  method,
		Started: time.Now(),
		state:   StateReceived,
		history: []State{StateReceived},
		cancel:  func() {},
	}
}

// State returns the current state.
func (ex *Exchange) State() State {
	return ex.state
}

// History returns every state the exchange has been in, in order.
func (ex *Exchange) History() []State {
	return append([]State(nil), ex.history...)
}

// Err returns the error that moved the exchange to Errored, if any.
func (ex *Exchange) Err() error {
	return ex.err
}

// Local reports whether the gateway answers the request itself.
func (ex *Exchange) Local() bool {
	return ex.Target != nil && (ex.Target.Redirect || ex.Target.Shape == route.Root)
}

// Close releases the exchange's timeout budget. It is safe to call more than once.
func (ex *Exchange) Close() {
	ex.cancel()
}

func (ex *Exchange) advance(to State) error {
	for _, next := range transitions[ex.state] {
		if next == to {
			ex.state = to
			ex.history = append(ex.history, to)
			return nil
		}
	}
	return &Error{Kind: KindInternal, Err: fmt.Errorf("illegal exchange transition %s -> %s", ex.state, to)}
}

// fail moves the exchange to Errored and returns err as an *Error of the
// given kind. If Errored is not reachable from the current state the
// returned error is an internal one.
func (ex *Exchange) fail(kind Kind, err error) error {
	e := &Error{Kind: kind, Err: err}
	if terr := ex.advance(StateErrored); terr != nil {
		e = terr.(*Error)
	}
	ex.err = e
	return e
}
