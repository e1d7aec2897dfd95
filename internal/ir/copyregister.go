package ir

import "errors"

// ErrUnsupportedCopyRegister names the case of a bare
// register-to-register copy with no JVM value-producing instruction
// driving it. The reference implementation this core is modeled on
// never constructs one either (its lowering hits a todo!() on the same
// path). There is no CopyRegister IR instruction, stage1 never
// produces such a copy, and no code path currently returns this error.
var ErrUnsupportedCopyRegister = errors.New("ir: CopyRegister has no reachable construction path")
