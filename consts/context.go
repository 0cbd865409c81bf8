package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// UsePrimaryKey is the context key for the "use_primary" boolean value.
	// It signals to the acquisition layer that a READ query must be served
	// by the primary (write) pool, bypassing replica routing. This is
	// needed for read-your-writes consistency after a mutation.
	UsePrimaryKey = ContextKey("use_primary")
)
