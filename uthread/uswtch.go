package uthread

import (
	"reflect"
	"runtime"
)

// Context_t is a user thread's register save area. The ABI matches the
// kernel swtch: callee-saved state stays on the suspended stack, ra and sp
// are visible, and the rendezvous channel carries control.
type Context_t struct {
	Ra     uintptr
	Sp     uintptr
	resume chan struct{}
}

func (c *Context_t) init() {
	if c.resume == nil {
		c.resume = make(chan struct{})
	}
}

// Uswtch suspends the current user thread context and resumes new,
// returning when something switches back.
func Uswtch(old, new *Context_t) {
	new.resume <- struct{}{}
	<-old.resume
}

// uswtchexit resumes new without ever coming back; the calling goroutine
// ends.
func uswtchexit(new *Context_t) {
	new.resume <- struct{}{}
	runtime.Goexit()
}

func funcpc(fn interface{}) uintptr {
	return reflect.ValueOf(fn).Pointer()
}
