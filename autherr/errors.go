// Package autherr defines the failure taxonomy shared by the provider client
// and the session token issuer.
package autherr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch on it without inspecting strings.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfiguration reports missing or invalid static configuration.
	KindConfiguration
	// KindProviderUnreachable reports a transport failure talking to the identity provider.
	KindProviderUnreachable
	// KindTokenExchange reports an unusable token endpoint response.
	KindTokenExchange
	// KindProfileFetch reports an unusable userinfo response.
	KindProfileFetch
	// KindInvalidSubject reports an empty subject passed to the issuer.
	KindInvalidSubject
	// KindTokenInvalid reports a session token that failed verification.
	KindTokenInvalid
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindConfiguration:       "configuration",
	KindProviderUnreachable: "provider_unreachable",
	KindTokenExchange:       "token_exchange",
	KindProfileFetch:        "profile_fetch",
	KindInvalidSubject:      "invalid_subject",
	KindTokenInvalid:        "token_invalid",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether a fresh attempt may succeed. Authorization codes are
// single-use, so a retry after KindProviderUnreachable must restart the flow.
func (k Kind) Retryable() bool {
	return k == KindProviderUnreachable
}

// Error carries the operation that failed, its kind and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrConfiguration       = &Error{Kind: KindConfiguration}
	ErrProviderUnreachable = &Error{Kind: KindProviderUnreachable}
	ErrTokenExchange       = &Error{Kind: KindTokenExchange}
	ErrProfileFetch        = &Error{Kind: KindProfileFetch}
	ErrInvalidSubject      = &Error{Kind: KindInvalidSubject}
	ErrTokenInvalid        = &Error{Kind: KindTokenInvalid}
)

// E builds an *Error.
func E(op string, kind Kind, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error whose cause is formatted from the arguments.
func Errorf(op string, kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel values by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
