package cache

// Role classifies a cache entry for accounting. Roles never influence
// eviction decisions; they surface only in per-role usage breakdowns
// consumed by the storage engine's stats reporting, and they let a
// secondary tier decide which payloads are worth compressing.
type Role uint8

const (
	// RoleDataBlock — block-based table data block.
	RoleDataBlock Role = iota
	// RoleFilterBlock — full or partitioned filter block.
	RoleFilterBlock
	// RoleFilterMetaBlock — metadata block for a partitioned filter.
	RoleFilterMetaBlock
	// RoleIndexBlock — block-based table index block.
	RoleIndexBlock
	// RoleOtherBlock — other kinds of table blocks.
	RoleOtherBlock
	// RoleWriteBuffer — write buffer manager's charge for memtable usage.
	RoleWriteBuffer
	// RoleBlobValue — blob value stored alongside blocks.
	RoleBlobValue
	// RoleBlobCache — a blob cache's charge for its own memory usage.
	RoleBlobCache
	// RoleFileMetadata — file metadata charge.
	RoleFileMetadata
	// RoleMisc — default bucket for miscellaneous entries.
	RoleMisc

	numRoles = int(RoleMisc) + 1
)

var roleNames = [numRoles]string{
	"data-block",
	"filter-block",
	"filter-meta-block",
	"index-block",
	"other-block",
	"write-buffer",
	"blob-value",
	"blob-cache",
	"file-metadata",
	"misc",
}

// String returns the stable hyphen-separated name of the role.
func (r Role) String() string {
	if int(r) < numRoles {
		return roleNames[r]
	}
	return "misc"
}

// RoleSet is a small bit set of roles.
type RoleSet uint16

// NewRoleSet builds a set from the given roles.
func NewRoleSet(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		s |= 1 << r
	}
	return s
}

// Contains reports whether r is in the set.
func (s RoleSet) Contains(r Role) bool { return s&(1<<r) != 0 }
