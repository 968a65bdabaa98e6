package store

import "codeberg.org/mutker/coolerd/internal/errors"

const (
	// Configuration errors
	ErrInvalidDBPath = errors.ErrorCode("store_invalid_db_path")

	// Schema errors
	ErrSchemaInitFailed       = errors.ErrorCode("store_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("store_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("store_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("store_transaction_failed")

	// Storage errors
	ErrStorageAccess = errors.ErrorCode("store_storage_access_failed")
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed

	// Entity errors
	ErrNotFound  = errors.ErrNotFound
	ErrProtected = errors.ErrorCode("store_entity_protected")
)
