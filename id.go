package orchestra

import "github.com/xraph/orchestra/id"

// ID is the primary identifier type for all Orchestra entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
