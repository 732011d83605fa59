package errs

// Code is a stable wire error code returned in JSON error bodies and
// recorded by the client outbox. The outbox drives its state machine off
// the code's Category, never off diagnostic text.
type Code string

// Auth codes: terminal for the current access token; the client runs the
// refresh flow instead of retrying the submission.
const (
	CodeMissingSession    Code = "missing-session"
	CodeInvalidJWT        Code = "invalid-jwt"
	CodeSessionRevoked    Code = "session-revoked"
	CodeMismatchedSession Code = "mismatched-session"
)

// Integrity codes: terminal, re-login may be required.
const (
	CodeInvalidSignature        Code = "invalid-signature"
	CodeManifestVersionMismatch Code = "manifest-version-mismatch"
	CodeSessionMismatch         Code = "session-mismatch"
	CodeAssignmentMismatch      Code = "assignment-mismatch"
	CodePayloadMismatch         Code = "payload-mismatch"
)

// Authorization codes: terminal, logged for operator review.
const (
	CodeCategoryNotAllowed Code = "category-not-allowed"
	CodeCategoryMismatch   Code = "category-mismatch"
	CodeForbidden          Code = "forbidden"
)

// Validation and server-side failure codes.
const (
	CodeValidation Code = "validation"
	CodeInternal   Code = "internal"
)

// Category groups codes by how the client must react to them.
type Category string

const (
	CategoryAuth          Category = "auth"
	CategoryIntegrity     Category = "integrity"
	CategoryAuthorization Category = "authorization"
	CategoryTransient     Category = "transient"
	CategoryValidation    Category = "validation"
)

// CategoryOf maps a wire code to its retry category. Unknown codes are
// treated as transient so a newer server cannot strand client entries.
func CategoryOf(c Code) Category {
	switch c {
	case CodeMissingSession, CodeInvalidJWT, CodeSessionRevoked, CodeMismatchedSession:
		return CategoryAuth
	case CodeInvalidSignature, CodeManifestVersionMismatch, CodeSessionMismatch,
		CodeAssignmentMismatch, CodePayloadMismatch:
		return CategoryIntegrity
	case CodeCategoryNotAllowed, CodeCategoryMismatch, CodeForbidden:
		return CategoryAuthorization
	case CodeValidation:
		return CategoryValidation
	default:
		return CategoryTransient
	}
}
