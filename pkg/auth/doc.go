// Package auth covers enrollment and request authentication: RSA
// challenge signatures, bearer token issuance and comparison, the
// admin token, and the JSON-lines audit trail.
package auth
