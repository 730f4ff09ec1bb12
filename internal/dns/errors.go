// Package dns provides DNS protocol parsing, encoding, and packet manipulation.
//
// Standards Compliance:
//
// This package implements DNS protocol features from the following RFCs:
//
//   - RFC 1035: Domain Names - Implementation and Specification (core DNS protocol)
//   - RFC 1034: Domain Names - Concepts and Facilities (DNS concepts)
//   - RFC 2308: Negative Caching of DNS Queries (NXDOMAIN, NODATA caching)
//   - RFC 3596: DNS Extensions to Support IPv6 (AAAA records)
//   - RFC 4034: DNSSEC Resource Records (DNSSEC records: RRSIG, DNSKEY, etc.)
//   - RFC 4035: DNSSEC Protocol Extensions (AD, CD flags)
//   - RFC 6891: Extension Mechanisms for DNS (EDNS, OPT records)
//
// Type-Oriented Design:
//
// Resource records share one generic Record struct whose Data field holds a
// type-specific value (string, []byte, or a typed struct such as MXData or SOAData).
//
// Error Handling:
//
// All errors are wrapped with context using fmt.Errorf("...: %w", err).
// This preserves error chains while adding operational context.
package dns

import "errors"

var (
	// ErrDNSError is a sentinel error type for DNS protocol violations.
	// Wrap this with fmt.Errorf("context: %w", ErrDNSError) to add context.
	ErrDNSError = errors.New("dns wire error")
)

// Kind tags an internal error with the short descriptive tag used in logs
// and the RCODE it maps to on the wire.
type Kind string

const (
	KindNoAuthority  Kind = "ERR_NO_AUTHORITY"
	KindFwdRecursive Kind = "ERR_FWD_RECURSIVE"
	KindTimeout      Kind = "ERR_TIMEOUT"
	KindInvalidAddr  Kind = "ERR_INVALID_ADDRESS"
	KindMultiQ       Kind = "ERR_MULTI_QUESTIONS"
	KindRateLimited  Kind = "ERR_RATE_LIMITED"
	KindFormat       Kind = "ERR_FORMAT"
	KindCNAMELoop    Kind = "ERR_CNAME_LOOP"
	KindNotImp       Kind = "ERR_NOT_IMPLEMENTED"
	KindACLDenied    Kind = "ERR_ACL_DENIED"
	KindBailiwick    Kind = "ERR_BAILIWICK"
	KindTSIG         Kind = "ERR_TSIG"
	KindStore        Kind = "ERR_STORE"
)

// Error is a tagged error value carrying the RCODE its Kind maps to.
type Error struct {
	Kind  Kind
	RCode RCode
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a tagged Error for the given kind, rcode and cause.
func NewError(kind Kind, rcode RCode, cause error) *Error {
	return &Error{Kind: kind, RCode: rcode, Err: cause}
}

// RCodeFor maps an internal error Kind to its wire RCODE.
func RCodeFor(kind Kind) RCode {
	switch kind {
	case KindFormat, KindMultiQ:
		return RCodeFormErr
	case KindTimeout, KindCNAMELoop, KindStore:
		return RCodeServFail
	case KindNoAuthority:
		return RCodeNXDomain
	case KindNotImp:
		return RCodeNotImp
	case KindACLDenied, KindRateLimited, KindFwdRecursive:
		return RCodeRefused
	case KindTSIG:
		return RCodeNotAuth
	default:
		return RCodeServFail
	}
}
