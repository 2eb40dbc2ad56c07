// Package auth provides the capability check consumed by the scheduler and
// the session tokens handed to bots at handshake. Authorization policy
// itself lives outside this service; the scheduler only ever sees the
// boolean answer, passed in as an explicit capability object rather than
// ambient state.
package auth

// Action names an operation that requires authorization.
type Action string

const (
	ActionSubmit Action = "submit"
	ActionCancel Action = "cancel"
	ActionRetry  Action = "retry"
	ActionBot    Action = "bot"
)

// Authorizer answers whether an identity may perform an action.
type Authorizer interface {
	IsAuthorized(identity string, action Action) bool
}

// StaticAuthorizer is a config-driven Authorizer: a map from action to the
// identities allowed to perform it, with "*" meaning anyone. Useful for
// development and as the default until a real ACL service is plugged in.
type StaticAuthorizer struct {
	allowed map[Action]map[string]struct{}
}

// NewStaticAuthorizer builds an authorizer from an action → identities map.
func NewStaticAuthorizer(rules map[Action][]string) *StaticAuthorizer {
	allowed := make(map[Action]map[string]struct{}, len(rules))
	for action, identities := range rules {
		set := make(map[string]struct{}, len(identities))
		for _, id := range identities {
			set[id] = struct{}{}
		}
		allowed[action] = set
	}
	return &StaticAuthorizer{allowed: allowed}
}

// AllowAll returns an authorizer that grants everything. The default for
// local development.
func AllowAll() *StaticAuthorizer {
	return NewStaticAuthorizer(map[Action][]string{
		ActionSubmit: {"*"},
		ActionCancel: {"*"},
		ActionRetry:  {"*"},
		ActionBot:    {"*"},
	})
}

func (a *StaticAuthorizer) IsAuthorized(identity string, action Action) bool {
	set, ok := a.allowed[action]
	if !ok {
		return false
	}
	if _, wildcard := set["*"]; wildcard {
		return true
	}
	_, ok = set[identity]
	return ok
}
