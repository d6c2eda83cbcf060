// Package cerr implements the core error taxonomy shared by every
// component: a tagged result carrying domain, reason, a one-line brief
// for users, an optional multi-line detail, and whether the failure is
// worth retrying.
/*
 * Copyright (c) 2024, BuildStream Go Authors. All rights reserved.
 */
package cerr

import "fmt"

// Domain groups reasons by the component family that raises them.
type Domain string

const (
	CAS      Domain = "cas"
	Artifact Domain = "artifact"
	Load     Domain = "load"
	Sandbox  Domain = "sandbox"
	Plugin   Domain = "plugin"
)

// Reason is a machine-readable token; tests and CLI frontends match on it.
type Reason string

const (
	// cas
	NotFound   Reason = "not-found"
	Corrupt    Reason = "corrupt"
	PermDenied Reason = "perm-denied"
	IO         Reason = "io"

	// artifact
	CacheTooFull                Reason = "cache-too-full"
	RemoteUnavailable           Reason = "remote-unavailable"
	PushForbidden               Reason = "push-forbidden"
	InsufficientStorageForQuota Reason = "insufficient-storage-for-quota"

	// load
	MissingFile          Reason = "missing-file"
	InvalidYAML          Reason = "invalid-yaml"
	InvalidData          Reason = "invalid-data"
	IllegalComposite     Reason = "illegal-composite"
	CircularDependency   Reason = "circular-dependency"
	ConflictingJunction  Reason = "conflicting-junction"
	SubprojectFetchNeeded Reason = "subproject-fetch-needed"
	SubprojectInconsistent Reason = "subproject-inconsistent"

	// sandbox
	MissingCommand Reason = "missing-command"
	CommandFailed  Reason = "command-failed"

	// plugin
	ImplError      Reason = "impl-error"
	VersionMismatch Reason = "version-mismatch"
)

// Error is the tagged result every fallible core operation returns.
type Error struct {
	Domain    Domain
	Reason    Reason
	Brief     string
	Detail    string
	Temporary bool
	cause     error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s (%s)", e.Domain, e.Brief, e.Detail, e.Reason)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Domain, e.Brief, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

// Is compares on Domain+Reason so callers can do errors.Is(err, cerr.New(cerr.CAS, cerr.NotFound, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Domain == t.Domain && e.Reason == t.Reason
}

// New builds a permanent error.
func New(domain Domain, reason Reason, brief string) *Error {
	return &Error{Domain: domain, Reason: reason, Brief: brief}
}

// Wrap builds a permanent error around a causing error; call Temp on the
// result to mark it retryable.
func Wrap(domain Domain, reason Reason, brief string, cause error) *Error {
	return &Error{Domain: domain, Reason: reason, Brief: brief, cause: cause}
}

// Temp marks the error retryable (the scheduler's FAIL, as opposed to PERM_FAIL) and returns it.
func (e *Error) Temp() *Error {
	e.Temporary = true
	return e
}

// WithDetail attaches the multi-line detail and returns the error.
func (e *Error) WithDetail(format string, args ...interface{}) *Error {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// Sentinel constructors for the common cases.
func ErrNotFound(brief string) *Error   { return New(CAS, NotFound, brief) }
func ErrCorrupt(brief string) *Error    { return New(CAS, Corrupt, brief) }
func ErrPermDenied(brief string) *Error { return New(CAS, PermDenied, brief) }
