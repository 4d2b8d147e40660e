package fileops

import "fmt"

// Action is one operation of the action endpoint.
type Action int

const (
	ActionLoad Action = iota + 1
	ActionSave
	ActionList
	ActionMkdir
	ActionMove
	ActionDelete
	ActionAutocomplete
	ActionProject
)

var actionNames = map[Action]string{
	ActionLoad:         "load",
	ActionSave:         "save",
	ActionList:         "list",
	ActionMkdir:        "mkdir",
	ActionMove:         "move",
	ActionDelete:       "delete",
	ActionAutocomplete: "autocomplete",
	ActionProject:      "project",
}

// Actions returns every action in declaration order.
func Actions() []Action {
	return []Action{
		ActionLoad, ActionSave, ActionList, ActionMkdir,
		ActionMove, ActionDelete, ActionAutocomplete, ActionProject,
	}
}

// ParseAction maps a wire name to an Action. Names are case-sensitive.
func ParseAction(name string) (Action, error) {
	for a, n := range actionNames {
		if n == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", name)
}

func (a Action) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Mutating reports whether a successful action changes the project tree.
func (a Action) Mutating() bool {
	switch a {
	case ActionSave, ActionMkdir, ActionMove, ActionDelete:
		return true
	}
	return false
}
