package pgwire

import "github.com/arbendium/pgwire/internal/typeconv"

// EscapeIdentifier quotes s as a PostgreSQL identifier, per spec.md §4.1.
func EscapeIdentifier(s string) string { return typeconv.EscapeIdentifier(s) }

// EscapeLiteral quotes s as a PostgreSQL string literal, per spec.md §4.1.
func EscapeLiteral(s string) string { return typeconv.EscapeLiteral(s) }

// ToPostgresCapability lets a caller-defined type control its own wire
// representation; PrepareValue recursively prepares whatever it returns.
type ToPostgresCapability = typeconv.ToPostgresCapability

// PrepareValue converts v into its text-mode parameter representation per
// spec.md §4.1: nil stays nil (encoded as wire length -1), byte slices and
// primitive scalars pass through, slices become PostgreSQL array literals,
// and other values are JSON-encoded unless they implement
// ToPostgresCapability. A circular toPostgres chain or nested array fails
// with PrepareError.
func PrepareValue(v any) (any, error) {
	out, err := typeconv.PrepareValue(v)
	if err != nil {
		if pe, ok := err.(*typeconv.PrepareError); ok {
			return nil, &PrepareError{Reason: pe.Reason}
		}
		return nil, err
	}
	return out, nil
}
