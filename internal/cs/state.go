package cs

import "fmt"

// State is one of the three CS states from spec.md §3.
type State int

const (
	Released State = iota
	Wanted
	Held
)

func (s State) String() string {
	switch s {
	case Released:
		return "RELEASED"
	case Wanted:
		return "WANTED"
	case Held:
		return "HELD"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// hasPriority implements spec.md §4.3's total order on (timestamp, name):
// localTS/localName has priority over remoteTS/remoteName iff
// (localTS < remoteTS) or (localTS == remoteTS and localName < remoteName).
func hasPriority(localTS uint64, localName string, remoteTS uint64, remoteName string) bool {
	if localTS < remoteTS {
		return true
	}
	return localTS == remoteTS && localName < remoteName
}
