package domain

// Kind classifies an error into one of the categories the relay reacts to
// differently: config errors abort startup, transport errors are retried,
// remote-rejected errors become a failed SendResult, and so on.
type Kind int

const (
	KindInternal Kind = iota
	KindConfig
	KindAuth
	KindTransport
	KindRemoteRejected
	KindNotFound
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindRemoteRejected:
		return "remote-rejected"
	case KindNotFound:
		return "not-found"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Error wraps a plain error with a Kind so callers can classify failures
// without a bespoke exception hierarchy.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// IsKind reports whether err (or something it wraps) carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			de = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return de != nil && de.Kind == kind
}
