package syncloop

// Kind is the coarse lifecycle state of the loop.
type Kind int

const (
	// Stopped is the idle state: no poll is in flight.
	Stopped Kind = iota
	// Initializing means the first, token-less sync is running.
	Initializing
	// Running means increments are being polled and applied.
	Running
	// Paused means the host backgrounded the session.
	Paused
	// RetryBackoff means the last poll failed and the loop is waiting.
	RetryBackoff
	// NoNetwork is RetryBackoff caused by the server being unreachable.
	NoNetwork
	// Error means the loop stopped on a failure it cannot retry.
	Error
)

func (k Kind) String() string {
	switch k {
	case Stopped:
		return "stopped"
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case RetryBackoff:
		return "retry_backoff"
	case NoNetwork:
		return "no_network"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Failure says why the loop entered the Error state.
type Failure int

const (
	FailureNone Failure = iota
	FailureAuthExpired
	FailureParse
	FailureStoreWrite
)

func (f Failure) String() string {
	switch f {
	case FailureAuthExpired:
		return "auth_expired"
	case FailureParse:
		return "parse_failure"
	case FailureStoreWrite:
		return "store_write_failure"
	default:
		return ""
	}
}

// State is one observable snapshot of the loop.
type State struct {
	Kind Kind
	// AfterPause is set on the first Running state after a resume.
	AfterPause bool
	// Failure and Err are set in the Error state. Err is also set in
	// RetryBackoff and NoNetwork with the error being retried.
	Failure Failure
	Err     error
	// Progress is the fraction of the initial sync applied so far.
	Progress float64
}

func (s State) String() string {
	switch {
	case s.Kind == Error:
		return s.Kind.String() + "(" + s.Failure.String() + ")"
	case s.Kind == Running && s.AfterPause:
		return "running(after_pause)"
	default:
		return s.Kind.String()
	}
}
