package cache

// SecondaryCache is an optional second-tier store consulted on a primary
// miss and fed on primary eviction. It owns its storage independently:
// promotion and demotion happen by value (serialized bytes), never by
// shared ownership of live entries.
//
// All errors from a SecondaryCache are absorbed by the primary tier and
// degrade to a miss or a skipped demotion; they never surface on the
// query path.
type SecondaryCache interface {
	// Name identifies the tier in stats and logs.
	Name() string

	// Lookup returns the serialized value and the role it was stored
	// with, or ErrNotFound on miss.
	Lookup(key []byte) (data []byte, role Role, err error)

	// Insert stores a serialized value. Implementations may reject
	// entries (capacity, rate limits); rejection is not an error for the
	// caller beyond skipping the demotion.
	Insert(key, data []byte, role Role) error

	// Close releases tier resources.
	Close() error
}

// Codec converts between live cache values and the serialized form a
// SecondaryCache stores. The primary tier uses it when demoting evicted
// entries and when promoting secondary hits back into memory.
type Codec interface {
	Encode(value any) ([]byte, error)
	// Decode reconstructs a value and reports the charge it should be
	// re-inserted with (metadata overhead is added by the cache itself,
	// per its MetadataChargePolicy).
	Decode(data []byte) (value any, charge uint64, err error)
}
