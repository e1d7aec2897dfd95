package switchcode

// callRaw calls machine code at fn with ctx loaded into R15 (and
// RDI); implemented in call_amd64.s.
func callRaw(fn, ctx uintptr)

// EnterGuest transfers control to enterAddr (the installed address of
// Runtime.EnterCode within a coderegion.Region) with ctx as the
// running JITContext. It returns once the guest side has reached its
// matching ExitGuest and that trampoline has RET'd back here.
func EnterGuest(enterAddr uintptr, ctx uintptr) {
	callRaw(enterAddr, ctx)
}
