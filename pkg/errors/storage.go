// pkg/errors/storage.go
package errors

// Storage error codes
const (
	StorageErrConnection    = "STORAGE_CONNECTION"
	StorageErrRead          = "STORAGE_READ"
	StorageErrWrite         = "STORAGE_WRITE"
	StorageErrNotFound      = "STORAGE_NOT_FOUND"
	StorageErrSerialization = "STORAGE_SERIALIZATION"
	// StorageErrScript is a failed Lua script in the lock registry.
	StorageErrScript = "STORAGE_SCRIPT"
)

const StorageDomain = "storage"

// Storage operations
const (
	OpConnect     = "Connect"
	OpRecord      = "Record"
	OpGet         = "Get"
	OpList        = "List"
	OpClear       = "Clear"
	OpMarkFailed  = "MarkFailed"
	OpLockAcquire = "LockAcquire"
)

// NewStorageError creates a storage error. StorageErrNotFound also matches
// ErrNotFound.
func NewStorageError(operation, code, message string, err error) error {
	if code == StorageErrNotFound {
		err = Join(ErrNotFound, err)
	}
	return newDomainError(StorageDomain, operation, code, message, err)
}
