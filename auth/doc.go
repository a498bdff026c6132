// Package auth verifies bearer tokens and mints them for the login flow.
//
// Validation order is fixed: control characters, scheme, compact structure,
// signature, then expiry. A forged token is therefore always reported as a
// bad signature, whatever its claims say. Every failure is an *Error with a
// Kind; callers map all kinds to the same 401 response.
package auth
