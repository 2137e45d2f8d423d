// Package ids provides opaque, domain-prefixed identifier types built on
// UUIDv7 (time-ordered) values. Each domain gets its own Go type so the
// compiler catches an Entity ID passed where a Case ID is expected; all
// types share the same prefixed string and text encoding. Only CaseID
// and CBUID implement sql.Scanner and driver.Valuer; the other types
// are stored through String and read back through their Parse function.
package ids

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// rawID is the shared representation every domain ID type wraps. It is
// not exported: callers always go through a named type below.
type rawID struct {
	prefix string
	uuid   uuid.UUID
}

func newRaw(prefix string) rawID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the system clock/rand source is
		// broken; that is not a condition callers can recover from.
		panic(fmt.Sprintf("ids: failed to generate v7 uuid: %v", err))
	}
	return rawID{prefix: prefix, uuid: id}
}

func parseRaw(prefix, s string) (rawID, error) {
	trimmed := s
	if p := prefix + "_"; strings.HasPrefix(s, p) {
		trimmed = strings.TrimPrefix(s, p)
	}
	u, err := uuid.Parse(trimmed)
	if err != nil {
		return rawID{}, fmt.Errorf("ids: invalid %s id %q: %w", prefix, s, err)
	}
	return rawID{prefix: prefix, uuid: u}, nil
}

func (r rawID) String() string {
	if r.prefix == "" {
		return r.uuid.String()
	}
	return r.prefix + "_" + r.uuid.String()
}

func (r rawID) IsZero() bool { return r.uuid == uuid.Nil }

// --- one explicit block per domain type; no generics, no reflection. ---

type CaseID struct{ rawID }

func NewCaseID() CaseID { return CaseID{newRaw("case")} }
func ParseCaseID(s string) (CaseID, error) {
	r, err := parseRaw("case", s)
	return CaseID{r}, err
}
func (id CaseID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *CaseID) UnmarshalText(b []byte) error {
	parsed, err := ParseCaseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
func (id CaseID) Value() (driver.Value, error) { return id.uuid.String(), nil }
func (id *CaseID) Scan(src any) error {
	s, ok := src.(string)
	if !ok {
		return fmt.Errorf("ids: CaseID.Scan: unsupported type %T", src)
	}
	parsed, err := ParseCaseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

type CBUID struct{ rawID }

func NewCBUID() CBUID { return CBUID{newRaw("cbu")} }
func ParseCBUID(s string) (CBUID, error) {
	r, err := parseRaw("cbu", s)
	return CBUID{r}, err
}
func (id CBUID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *CBUID) UnmarshalText(b []byte) error {
	parsed, err := ParseCBUID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
func (id CBUID) Value() (driver.Value, error) { return id.uuid.String(), nil }
func (id *CBUID) Scan(src any) error {
	s, ok := src.(string)
	if !ok {
		return fmt.Errorf("ids: CBUID.Scan: unsupported type %T", src)
	}
	parsed, err := ParseCBUID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

type EntityID struct{ rawID }

func NewEntityID() EntityID { return EntityID{newRaw("ent")} }
func ParseEntityID(s string) (EntityID, error) {
	r, err := parseRaw("ent", s)
	return EntityID{r}, err
}
func (id EntityID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *EntityID) UnmarshalText(b []byte) error {
	parsed, err := ParseEntityID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

type VerbID struct{ rawID }

func NewVerbID() VerbID { return VerbID{newRaw("verb")} }
func ParseVerbID(s string) (VerbID, error) {
	r, err := parseRaw("verb", s)
	return VerbID{r}, err
}
func (id VerbID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *VerbID) UnmarshalText(b []byte) error {
	parsed, err := ParseVerbID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

type SnapshotID struct{ rawID }

func NewSnapshotID() SnapshotID { return SnapshotID{newRaw("snap")} }
func ParseSnapshotID(s string) (SnapshotID, error) {
	r, err := parseRaw("snap", s)
	return SnapshotID{r}, err
}
func (id SnapshotID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *SnapshotID) UnmarshalText(b []byte) error {
	parsed, err := ParseSnapshotID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

type RunbookID struct{ rawID }

func NewRunbookID() RunbookID { return RunbookID{newRaw("rb")} }
func ParseRunbookID(s string) (RunbookID, error) {
	r, err := parseRaw("rb", s)
	return RunbookID{r}, err
}
func (id RunbookID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *RunbookID) UnmarshalText(b []byte) error {
	parsed, err := ParseRunbookID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

type TaskID struct{ rawID }

func NewTaskID() TaskID { return TaskID{newRaw("task")} }
func ParseTaskID(s string) (TaskID, error) {
	r, err := parseRaw("task", s)
	return TaskID{r}, err
}
func (id TaskID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *TaskID) UnmarshalText(b []byte) error {
	parsed, err := ParseTaskID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

type JobFrameID struct{ rawID }

func NewJobFrameID() JobFrameID { return JobFrameID{newRaw("job")} }
func ParseJobFrameID(s string) (JobFrameID, error) {
	r, err := parseRaw("job", s)
	return JobFrameID{r}, err
}
func (id JobFrameID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *JobFrameID) UnmarshalText(b []byte) error {
	parsed, err := ParseJobFrameID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

type ChangeSetID struct{ rawID }

func NewChangeSetID() ChangeSetID { return ChangeSetID{newRaw("cs")} }
func ParseChangeSetID(s string) (ChangeSetID, error) {
	r, err := parseRaw("cs", s)
	return ChangeSetID{r}, err
}
func (id ChangeSetID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *ChangeSetID) UnmarshalText(b []byte) error {
	parsed, err := ParseChangeSetID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

type SessionID struct{ rawID }

func NewSessionID() SessionID { return SessionID{newRaw("sess")} }
func ParseSessionID(s string) (SessionID, error) {
	r, err := parseRaw("sess", s)
	return SessionID{r}, err
}
func (id SessionID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id *SessionID) UnmarshalText(b []byte) error {
	parsed, err := ParseSessionID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
