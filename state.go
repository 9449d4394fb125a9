package procpipe

// State is the lifecycle state of a work item.
//
//	Pending → Spawned → Running → Exited | Killed | TimedOut
//	   ↓         ↓
//	Canceled   Failed, Killed
//
// Handles only ever go through Spawned, Running and the three process
// terminal states. Pending, Canceled and Failed describe items which never
// got a running process and only appear on a Result.
type State int

const (
	StatePending State = iota
	StateSpawned
	StateRunning
	StateExited
	StateKilled
	StateTimedOut
	StateCanceled
	StateFailed
)

var stateNames = map[State]string{
	StatePending:  "Pending",
	StateSpawned:  "Spawned",
	StateRunning:  "Running",
	StateExited:   "Exited",
	StateKilled:   "Killed",
	StateTimedOut: "TimedOut",
	StateCanceled: "Canceled",
	StateFailed:   "Failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s >= StateExited
}
