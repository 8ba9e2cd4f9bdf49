package middleware

import (
	"fmt"
	"strings"

	"github.com/procuredesk/guard/internal/repository"
)

// Action is an operation guarded by a per-module permission
type Action int

const (
	ActionView Action = iota + 1
	ActionCreate
	ActionEdit
	ActionDelete
	ActionApprove
)

var actionNames = map[Action]string{
	ActionView:    "view",
	ActionCreate:  "create",
	ActionEdit:    "edit",
	ActionDelete:  "delete",
	ActionApprove: "approve",
}

// grants maps each action to the permission flag that allows it
var grants = map[Action]func(repository.Permission) bool{
	ActionView:    func(p repository.Permission) bool { return p.CanView },
	ActionCreate:  func(p repository.Permission) bool { return p.CanCreate },
	ActionEdit:    func(p repository.Permission) bool { return p.CanEdit },
	ActionDelete:  func(p repository.Permission) bool { return p.CanDelete },
	ActionApprove: func(p repository.Permission) bool { return p.CanApprove },
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// ParseAction maps a lower-case action name to an Action
func ParseAction(s string) (Action, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// Allows reports whether any grant for module permits action. Unknown
// actions are denied.
func Allows(perms []repository.Permission, module string, action Action) bool {
	check, ok := grants[action]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p.Module == module && check(p) {
			return true
		}
	}
	return false
}
