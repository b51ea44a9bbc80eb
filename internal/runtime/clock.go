package runtime

import "time"

// Clock abstracts time for the engine. Timer deadlines are compared against
// Clock.Now, so a fake clock makes delay and timeout behavior fully
// deterministic in tests and replays.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the real monotonic clock.
var SystemClock Clock = systemClock{}
