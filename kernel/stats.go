package kernel

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Stats and Timing gate the counters below to zero overhead when
// disabled, exactly as biscuit's stats.go const-false switches do.
const Stats = false
const Timing = false

// Counter_t is a statistical counter, incremented from any CPU.
type Counter_t int64

// Span_t accumulates elapsed wall-clock time. Biscuit's Cycles_t
// summed TSC deltas via a forked runtime's Rdtsc(); an ordinary hosted
// Go process has no such intrinsic, so this accumulates time.Duration
// instead — the same "free-running counter, summed under Timing" idea,
// expressed with what the standard runtime actually exposes.
type Span_t int64

// Inc increments the counter.
func (c *Counter_t) Inc() {
	if Stats {
		atomic.AddInt64((*int64)(c), 1)
	}
}

// Add folds the duration since start into the span.
func (s *Span_t) Add(start time.Time) {
	if Timing {
		atomic.AddInt64((*int64)(s), int64(time.Since(start)))
	}
}

// Stats2String renders every Counter_t/Span_t field of st as a
// printable line, in biscuit's Stats2String style.
func Stats2String(st interface{}) string {
	if !Stats {
		return ""
	}
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		switch {
		case strings.HasSuffix(t, "Counter_t"):
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		case strings.HasSuffix(t, "Span_t"):
			n := v.Field(i).Interface().(Span_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + time.Duration(n).String()
		}
	}
	return s + "\n"
}
