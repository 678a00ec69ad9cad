package tensor

// Stream is an opaque execution-stream token threaded through compute
// dispatch. The zero value selects the default stream. GPU adapters
// reinterpret the token as their native stream handle; host adapters execute
// synchronously and ignore it.
type Stream uintptr
