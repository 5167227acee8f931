package metadata

import "github.com/mohitkumar/engage/persistence"

type MetadataStorage interface {
	persistence.FlowDao
	persistence.VariantDao
}
