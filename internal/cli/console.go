package cli

import (
	"fmt"
	"strings"
)

// Action is one operator console command.
type Action int

const (
	ActionPrepare Action = iota
	ActionStart
	ActionStop
	ActionStatus
	ActionHelp
	ActionQuit
)

var actionNames = map[string]Action{
	"prepare": ActionPrepare,
	"p":       ActionPrepare,
	"start":   ActionStart,
	"s":       ActionStart,
	"stop":    ActionStop,
	"x":       ActionStop,
	"status":  ActionStatus,
	"st":      ActionStatus,
	"help":    ActionHelp,
	"?":       ActionHelp,
	"quit":    ActionQuit,
	"exit":    ActionQuit,
	"q":       ActionQuit,
}

// ConsoleHelp lists the console commands.
const ConsoleHelp = `commands:
  prepare (p)   prepare master and agents
  start (s)     start collecting, stamped with the master clock
  stop (x)      stop master and agents
  status (st)   show the master session
  quit (q)      stop and exit`

// ParseAction parses one console line. Blank lines return ok false.
func ParseAction(line string) (a Action, ok bool, err error) {
	word := strings.ToLower(strings.TrimSpace(line))
	if word == "" {
		return 0, false, nil
	}
	a, found := actionNames[word]
	if !found {
		return 0, false, fmt.Errorf("unknown command %q (type help)", word)
	}
	return a, true, nil
}
