package core

import "github.com/unprice/core/id"

// ID is the primary identifier type for all core entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
