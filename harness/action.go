package harness

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownAction is returned for an action kind the harness cannot dispatch.
var ErrUnknownAction = errors.New("unknown action")

// Action is one benchmark operation kind. All workers of a run execute
// the same Action.
type Action int

// Supported actions.
const (
	ActionCreate Action = iota + 1
	ActionRead
	ActionUpdate
	ActionDelete
	ActionCreateTx
	ActionCommitTx
	ActionRollbackTx
	ActionSparqlInsert
	ActionSparqlSelect
	ActionSparqlUpdate
	ActionSparqlDelete
)

var actionNames = map[Action]string{
	ActionCreate:       "create",
	ActionRead:         "read",
	ActionUpdate:       "update",
	ActionDelete:       "delete",
	ActionCreateTx:     "create_tx",
	ActionCommitTx:     "commit_tx",
	ActionRollbackTx:   "rollback_tx",
	ActionSparqlInsert: "sparql_insert",
	ActionSparqlSelect: "sparql_select",
	ActionSparqlUpdate: "sparql_update",
	ActionSparqlDelete: "sparql_delete",
}

// Actions returns every supported action in declaration order.
func Actions() []Action {
	return []Action{
		ActionCreate, ActionRead, ActionUpdate, ActionDelete,
		ActionCreateTx, ActionCommitTx, ActionRollbackTx,
		ActionSparqlInsert, ActionSparqlSelect,
		ActionSparqlUpdate, ActionSparqlDelete,
	}
}

// ParseAction resolves a case-insensitive action name. "ingest" is
// accepted as an alias for create.
func ParseAction(s string) (Action, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.ReplaceAll(name, "-", "_")

	if name == "ingest" {
		return ActionCreate, nil
	}

	for a, n := range actionNames {
		if n == name {
			return a, nil
		}
	}

	return 0, fmt.Errorf("%w %q", ErrUnknownAction, s)
}

func (a Action) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}

	return fmt.Sprintf("action(%d)", int(a))
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	_, ok := actionNames[a]

	return ok
}

// HasPayload reports whether the action moves a binary of the configured
// size, which makes a byte throughput meaningful.
func (a Action) HasPayload() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate:
		return true
	default:
		return false
	}
}

// IsTransaction reports whether the action is a transaction lifecycle call.
func (a Action) IsTransaction() bool {
	switch a {
	case ActionCreateTx, ActionCommitTx, ActionRollbackTx:
		return true
	default:
		return false
	}
}

// IsSparql reports whether the action is a metadata (SPARQL) call.
func (a Action) IsSparql() bool {
	switch a {
	case ActionSparqlInsert, ActionSparqlSelect,
		ActionSparqlUpdate, ActionSparqlDelete:
		return true
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w %d", ErrUnknownAction, int(a))
	}

	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}

	*a = parsed

	return nil
}

// TargetsExisting reports whether the action can run against objects
// already in the repository instead of ones it creates itself.
func (a Action) TargetsExisting() bool {
	switch a {
	case ActionRead, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}
