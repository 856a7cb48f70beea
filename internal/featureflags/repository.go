package featureflags

import "context"

// Repository stores flag overrides. Flags absent from the store take their
// default value.
type Repository interface {
	// Load returns every stored flag keyed by flag key.
	Load(ctx context.Context) (map[string]*Flag, error)

	// Save creates or replaces the given flags as one unit.
	Save(ctx context.Context, flags []*Flag) error

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}
