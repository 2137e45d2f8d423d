// Package errcode defines the stable, string-prefixed error code
// taxonomy shared by the authoring pipeline, reference resolution, the
// execution gate, and the locking layer. Codes follow
// {STAGE}:{CATEGORY}:{CODE}; callers switch on Code() rather than
// parsing error strings.
package errcode

import "fmt"

// Code is a stable, colon-separated error code.
type Code string

// Stage 1 — validate_change_set (pure, no DB).
const (
	VHashMismatch         Code = "V:HASH:MISMATCH"
	VHashMissingArtifact  Code = "V:HASH:MISSING_ARTIFACT"
	VParseSQLSyntax       Code = "V:PARSE:SQL_SYNTAX"
	VParseYAMLSyntax      Code = "V:PARSE:YAML_SYNTAX"
	VParseYAMLSchema      Code = "V:PARSE:YAML_SCHEMA"
	VParseJSONSyntax      Code = "V:PARSE:JSON_SYNTAX"
	VParseJSONSchema      Code = "V:PARSE:JSON_SCHEMA"
	VRefMissingEntity     Code = "V:REF:MISSING_ENTITY"
	VRefMissingDomain     Code = "V:REF:MISSING_DOMAIN"
	VRefMissingAttribute  Code = "V:REF:MISSING_ATTRIBUTE"
	VRefMissingDependency Code = "V:REF:MISSING_DEPENDENCY"
	VRefCircularDependency Code = "V:REF:CIRCULAR_DEPENDENCY"
	VTypeAttributeMismatch Code = "V:TYPE:ATTRIBUTE_MISMATCH"
	VTypeContractIncomplete Code = "V:TYPE:CONTRACT_INCOMPLETE"
	VTypeLineageBroken    Code = "V:TYPE:LINEAGE_BROKEN"
)

// Stage 2 — dry_run_change_set (needs a scratch-schema DB connection).
const (
	DSchemaApplyFailed          Code = "D:SCHEMA:APPLY_FAILED"
	DSchemaNonTransactionalDDL  Code = "D:SCHEMA:NON_TRANSACTIONAL_DDL"
	DSchemaForbiddenDDL         Code = "D:SCHEMA:FORBIDDEN_DDL"
	DSchemaDownMissing          Code = "D:SCHEMA:DOWN_MISSING"
	DSchemaDownFailed           Code = "D:SCHEMA:DOWN_FAILED"
	DCompatBreakingUndeclared   Code = "D:COMPAT:BREAKING_UNDECLARED"
	DCompatAttrConflict         Code = "D:COMPAT:ATTR_CONFLICT"
	DCompatVerbConflict         Code = "D:COMPAT:VERB_CONFLICT"
	DCompatDependencyUnpublished Code = "D:COMPAT:DEPENDENCY_UNPUBLISHED"
	DCompatDependencyFailed     Code = "D:COMPAT:DEPENDENCY_FAILED"
	DCompatSupersessionConflict Code = "D:COMPAT:SUPERSESSION_CONFLICT"
	DPolicyApprovalRequired     Code = "D:POLICY:APPROVAL_REQUIRED"
	DPolicyRoleInsufficient     Code = "D:POLICY:ROLE_INSUFFICIENT"
)

// Publish-time.
const (
	PublishDriftDetected      Code = "PUBLISH:DRIFT_DETECTED"
	PublishLockContention     Code = "PUBLISH:LOCK_CONTENTION"
	PublishStatusInvalid      Code = "PUBLISH:STATUS_INVALID"
	PublishBatchCycleDetected Code = "PUBLISH:BATCH_CYCLE_DETECTED"
)

// Reference resolution, execution, and locking (runtime path, not authoring).
const (
	EResolveUnknownAttribute Code = "E:RESOLVE:UNKNOWN_ATTRIBUTE"
	EResolveCircularRef      Code = "E:RESOLVE:CIRCULAR_REF"
	EResolveUpstreamTimeout  Code = "E:RESOLVE:UPSTREAM_TIMEOUT"
	EExecVerbFailed          Code = "E:EXEC:VERB_FAILED"
	EExecParked              Code = "E:EXEC:PARKED"
	EExecCursorConflict      Code = "E:EXEC:CURSOR_CONFLICT"
	EExecStateViolation      Code = "E:EXEC:STATE_VIOLATION"
	ELockContention          Code = "E:LOCK:CONTENTION"
	ELockOrderViolation      Code = "E:LOCK:ORDER_VIOLATION"
)

// Err is a concrete error carrying a stable Code plus a human-readable
// detail and an optional wrapped cause.
type Err struct {
	code   Code
	detail string
	cause  error
}

func New(code Code, detail string) *Err {
	return &Err{code: code, detail: detail}
}

func Wrap(code Code, detail string, cause error) *Err {
	return &Err{code: code, detail: detail, cause: cause}
}

func (e *Err) Code() string { return string(e.code) }

func (e *Err) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.detail)
}

func (e *Err) Unwrap() error { return e.cause }

// CodeOf extracts the stable code from an error, if it carries one.
func CodeOf(err error) (Code, bool) {
	var e *Err
	if asErr(err, &e) {
		return e.code, true
	}
	return "", false
}

func asErr(err error, target **Err) bool {
	for err != nil {
		if e, ok := err.(*Err); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
