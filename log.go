package matcha

// Logging convention for this package (glog):
//
// Info:
//
//	abnormal but recovered events. Silent on normal operation apart from
//	one-off lifecycle lines (channel opened, permanently closed).
//	this includes transport errors, reconnect scheduling, failed fetches.
//
// V(1):
//
//	key state transitions with ids that can be used to filter.
//
// V(2):
//
//	per-frame and per-fetch trace lines.
//
// Library code never calls glog.Fatal or glog.Exit.
//
// Every line is tagged with the component that emitted it:
// [push], [router], [feed], [cache], [options], [geo].

import (
	"github.com/golang/glog"
)

// guard runs fn and logs instead of propagating a panic from a user callback.
func guard(tag string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Infof("[%s]callback panic = %v\n", tag, r)
		}
	}()
	fn()
}
