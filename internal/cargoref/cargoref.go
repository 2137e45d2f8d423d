// Package cargoref implements the CargoRef tagged-URI identifier scheme:
// a compact, schemed reference to anything a task payload or verb argument
// might point at, in the form <scheme>://<realm-or-system>/<id>.
//
// Five reference kinds: document, version, entity, and screening carry a
// UUID under a schema/realm; external carries an arbitrary string id
// against an arbitrary external system name.
package cargoref

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultSchema is the realm used when a caller does not name one
// explicitly, matching the domain schema this repository persists to.
const DefaultSchema = "ob-poc"

type Kind string

const (
	KindDocument  Kind = "document"
	KindVersion   Kind = "version"
	KindEntity    Kind = "entity"
	KindScreening Kind = "screening"
	KindExternal  Kind = "external"
)

// CargoRef is a tagged union over the five reference kinds. Only the
// fields relevant to Kind are populated; External uses System/ExternalID,
// the other four use Schema/ID.
type CargoRef struct {
	Kind       Kind
	Schema     string
	ID         uuid.UUID
	System     string
	ExternalID string
}

func Document(id uuid.UUID) CargoRef  { return CargoRef{Kind: KindDocument, Schema: DefaultSchema, ID: id} }
func Version(id uuid.UUID) CargoRef   { return CargoRef{Kind: KindVersion, Schema: DefaultSchema, ID: id} }
func Entity(id uuid.UUID) CargoRef    { return CargoRef{Kind: KindEntity, Schema: DefaultSchema, ID: id} }
func Screening(id uuid.UUID) CargoRef { return CargoRef{Kind: KindScreening, Schema: DefaultSchema, ID: id} }
func External(system, id string) CargoRef {
	return CargoRef{Kind: KindExternal, System: system, ExternalID: id}
}

// DocumentIn, etc. let a caller override the schema/realm explicitly.
func DocumentIn(schema string, id uuid.UUID) CargoRef {
	return CargoRef{Kind: KindDocument, Schema: schema, ID: id}
}
func VersionIn(schema string, id uuid.UUID) CargoRef {
	return CargoRef{Kind: KindVersion, Schema: schema, ID: id}
}
func EntityIn(schema string, id uuid.UUID) CargoRef {
	return CargoRef{Kind: KindEntity, Schema: schema, ID: id}
}
func ScreeningIn(schema string, id uuid.UUID) CargoRef {
	return CargoRef{Kind: KindScreening, Schema: schema, ID: id}
}

// ParseError reports why a URI string failed to parse as a CargoRef.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cargoref: invalid reference %q: %s", e.Input, e.Reason)
}

// Scheme returns the URI scheme for this ref's kind.
func (r CargoRef) Scheme() string { return string(r.Kind) }

// Parse parses a CargoRef from its URI form.
func Parse(s string) (CargoRef, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return CargoRef{}, &ParseError{Input: s, Reason: "missing scheme separator \"://\""}
	}
	switch Kind(scheme) {
	case KindDocument, KindVersion, KindEntity, KindScreening:
		schema, idStr, err := splitSchemaID(rest)
		if err != nil {
			return CargoRef{}, &ParseError{Input: s, Reason: err.Error()}
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return CargoRef{}, &ParseError{Input: s, Reason: "invalid uuid: " + err.Error()}
		}
		return CargoRef{Kind: Kind(scheme), Schema: schema, ID: id}, nil
	case KindExternal:
		system, id, ok := strings.Cut(rest, "/")
		if !ok || system == "" || id == "" {
			return CargoRef{}, &ParseError{Input: s, Reason: "expected external://<system>/<id>"}
		}
		return CargoRef{Kind: KindExternal, System: system, ExternalID: id}, nil
	default:
		return CargoRef{}, &ParseError{Input: s, Reason: "unknown scheme " + scheme}
	}
}

func splitSchemaID(rest string) (schema, id string, err error) {
	schema, id, ok := strings.Cut(rest, "/")
	if !ok || schema == "" || id == "" {
		return "", "", fmt.Errorf("expected <scheme>://<schema>/<id>")
	}
	return schema, id, nil
}

// ToURI formats the reference back into its canonical string form.
func (r CargoRef) ToURI() string {
	switch r.Kind {
	case KindExternal:
		return fmt.Sprintf("external://%s/%s", r.System, r.ExternalID)
	default:
		return fmt.Sprintf("%s://%s/%s", r.Kind, r.Schema, r.ID)
	}
}

func (r CargoRef) String() string { return r.ToURI() }

// UUID returns the underlying id for internal-variant refs, or false
// for External, which has no UUID.
func (r CargoRef) UUID() (uuid.UUID, bool) {
	if r.Kind == KindExternal {
		return uuid.Nil, false
	}
	return r.ID, true
}

func (r CargoRef) MarshalText() ([]byte, error) { return []byte(r.ToURI()), nil }
func (r *CargoRef) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
