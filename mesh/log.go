package mesh

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `mesh` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - connection errors and closes
//     - dropped protocol frames
// Warning:
//     caller errors that are reported back to the caller
//     this includes:
//     - sends rejected because the connection is not open
// Error:
//     unexpected panics even if handled and suppressed for partial operation
// Debug (V(2)):
//     key events for trace debugging
//     this includes:
//     - key system events with ids that can be used to filter, e.g. frames, reseeds
//     - frequent events (ticks) must be summarized rather than logged per tick

const LogLevelUrgent = glog.Level(0)
const LogLevelInfo = glog.Level(1)
const LogLevelDebug = glog.Level(2)

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}
