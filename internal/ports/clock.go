package ports

import "time"

// Clock is the time source shared by the engine, dispatcher and gate.
type Clock interface {
	Now() time.Time
}
