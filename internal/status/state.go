package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/pioner22/client-web-sub000/internal/bus"
)

// Transport is the connectivity axis.
type Transport string

const (
	Connecting   Transport = "connecting"
	Connected    Transport = "connected"
	Disconnected Transport = "disconnected"
)

// Auth is the authentication axis.
type Auth string

const (
	Unauthenticated Auth = "unauthenticated"
	Authenticating  Auth = "authenticating"
	Authenticated   Auth = "authenticated"
)

// State is one cell of the transport × auth grid.
type State struct {
	Transport Transport `json:"transport"`
	Auth      Auth      `json:"auth"`
}

// Initial is the state before the transport first dials.
var Initial = State{Transport: Disconnected, Auth: Unauthenticated}

// Ready reports whether sends and history requests can reach the server.
func (s State) Ready() bool {
	return s.Transport == Connected && s.Auth == Authenticated
}

func (s State) String() string {
	return string(s.Transport) + "/" + string(s.Auth)
}

// Input is an observed event that may move the machine.
type Input string

const (
	InConnecting   Input = "connecting"
	InConnected    Input = "connected"
	InDisconnected Input = "disconnected"
	InLogin        Input = "login"
	InAuthOK       Input = "auth_ok"
	InAuthFailed   Input = "auth_failed"
	InLogout       Input = "logout"
)

// Action is work the coordinator performs after a transition.
type Action string

const (
	// Rollback stops sending, returns in-flight sends to the queue and
	// forgets in-flight history requests.
	Rollback Action = "rollback"
	// Authenticate sends the auth frame for the current connection.
	Authenticate Action = "authenticate"
	// Resync catches up the open conversation and drains the outbox.
	Resync Action = "resync"
	// Reset clears in-memory user state after logout.
	Reset Action = "reset"
)

// rule matches (transport, auth, input). Empty from/auth match anything;
// empty to keeps the current transport. Rules needing a credential only
// match when one is available. First match wins.
type rule struct {
	in         Input
	from       Transport
	auth       Auth
	credential bool

	to      Transport
	toAuth  Auth
	actions []Action
}

var table = []rule{
	{in: InConnecting, from: Disconnected, to: Connecting, toAuth: Unauthenticated},
	{in: InConnecting, from: Connecting, to: Connecting, toAuth: Unauthenticated},

	// One auth attempt per connection: only this edge issues Authenticate
	// automatically, and auth failure does not loop back to it.
	{in: InConnected, from: Connecting, credential: true, to: Connected, toAuth: Authenticating, actions: []Action{Authenticate}},
	{in: InConnected, from: Connecting, to: Connected, toAuth: Unauthenticated},
	{in: InConnected, from: Disconnected, credential: true, to: Connected, toAuth: Authenticating, actions: []Action{Authenticate}},
	{in: InConnected, from: Disconnected, to: Connected, toAuth: Unauthenticated},

	{in: InDisconnected, from: Connected, to: Disconnected, toAuth: Unauthenticated, actions: []Action{Rollback}},
	{in: InDisconnected, from: Connecting, to: Disconnected, toAuth: Unauthenticated, actions: []Action{Rollback}},
	{in: InDisconnected, from: Disconnected, to: Disconnected, toAuth: Unauthenticated},

	{in: InLogin, from: Connected, auth: Unauthenticated, to: Connected, toAuth: Authenticating, actions: []Action{Authenticate}},
	{in: InAuthOK, from: Connected, auth: Authenticating, to: Connected, toAuth: Authenticated, actions: []Action{Resync}},
	{in: InAuthFailed, from: Connected, auth: Authenticating, to: Connected, toAuth: Unauthenticated},
	// Session invalidated by the server: stop sending on this connection.
	{in: InAuthFailed, from: Connected, auth: Authenticated, to: Connected, toAuth: Unauthenticated, actions: []Action{Rollback}},

	{in: InLogout, toAuth: Unauthenticated, actions: []Action{Reset}},
}

// InvalidTransitionError is returned when no rule accepts an input.
type InvalidTransitionError struct {
	From  State
	Input Input
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s on %s", e.From, e.Input)
}

// Next is the single transition function of the machine.
func Next(s State, in Input, hasCredential bool) (State, []Action, error) {
	for _, r := range table {
		if r.in != in {
			continue
		}
		if r.from != "" && r.from != s.Transport {
			continue
		}
		if r.auth != "" && r.auth != s.Auth {
			continue
		}
		if r.credential && !hasCredential {
			continue
		}
		next := State{Transport: r.to, Auth: r.toAuth}
		if next.Transport == "" {
			next.Transport = s.Transport
		}
		return next, r.actions, nil
	}
	return s, nil, &InvalidTransitionError{From: s, Input: in}
}

// Machine tracks the current state and announces changes on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine in the Initial state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Initial,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Apply feeds in to the machine and returns the actions to run.
func (m *Machine) Apply(in Input, hasCredential bool) ([]Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	to, actions, err := Next(from, in, hasCredential)
	if err != nil {
		return nil, err
	}
	m.current = to
	if to != from && m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.StatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From:  from,
				To:    to,
				Input: in,
			},
		})
	}
	return actions, nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From  State
	To    State
	Input Input
}
