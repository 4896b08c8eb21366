package inspect

import "testing"

// These hooks are debugger attach points; the only contract this package
// owns is that calling them does not panic and does not alter state.
func TestHooksAreCallable(t *testing.T) {
	NotifyEvictionStarted("baseline", 0x1000, 0x2000)
	NotifyEvictionCompleted("baseline", 3, 256)
}
