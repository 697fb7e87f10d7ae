package model

import "fmt"

// Reason codes are stable and machine readable; reports key on them.
const (
	CodeMissingField    = "missing_mandatory_field"
	CodeMalformed       = "malformed_value"
	CodeOutOfDomain     = "out_of_domain"
	CodeUnparseable     = "unparseable_subfield"
	CodeDangling        = "dangling_reference"
	CodeUniqueViolation = "unique_violation"
	CodeLoadFailed      = "load_failed"
	CodeBatchFailed     = "batch_failed"
)

// Reason is a rejection or failure code qualified by the offending field.
type Reason struct {
	Code  string
	Field string
}

func (r Reason) String() string {
	if r.Field == "" {
		return r.Code
	}
	return r.Code + ":" + r.Field
}

// Stage names where in the pipeline an issue was raised.
type Stage string

const (
	StageClean Stage = "clean"
	StageBuild Stage = "build"
	StageLoad  Stage = "load"
	StageBatch Stage = "batch"
)

// Rejection is a terminal outcome for one source row.
type Rejection struct {
	Entity EntityType
	OldKey int64
	Stage  Stage
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("%s %d: %s", r.Entity, r.OldKey, r.Reason)
	}
	return fmt.Sprintf("%s %d: %s (%s)", r.Entity, r.OldKey, r.Reason, r.Detail)
}

// Reject builds a rejection for a source row.
func Reject(entity EntityType, oldKey int64, stage Stage, code, field, detail string) *Rejection {
	return &Rejection{
		Entity: entity,
		OldKey: oldKey,
		Stage:  stage,
		Reason: Reason{Code: code, Field: field},
		Detail: detail,
	}
}
