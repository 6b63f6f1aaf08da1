package proc

import (
	"reflect"
	"runtime"
)

// Context_t is the register save area of a suspended kernel thread or of a
// CPU's scheduler. Ra and Sp mirror what the hardware switch would save;
// the rendezvous channel is what actually transfers control between the
// backing goroutines.
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

// Swtch suspends the current context and resumes new. It returns when some
// other context switches back to old. Callee-saved state lives on the
// goroutine stack, so only control has to move.
func Swtch(old, new *Context_t) {
	new.resume <- struct{}{}
	<-old.resume
}

// swtchexit resumes new and terminates the calling goroutine. The final
// descheduling of an exiting thread must not wait to be switched back to.
func swtchexit(new *Context_t) {
	new.resume <- struct{}{}
	runtime.Goexit()
}

// funcpc returns the entry address of fn, standing in for the function
// pointers a hardware trap frame would hold.
func funcpc(fn interface{}) uintptr {
	return reflect.ValueOf(fn).Pointer()
}
