// Package storage describes the persistence the repository runs on.
//
// Reads go through the per-entity reader interfaces, writes are collected in a Batch and applied
// atomically by Flush, so a deploy, a state transition or a deletion is never visible half way.
// Implementations must:
//   - return ErrNotFound if the method is looking for one exact item in the database and it is not found
//   - return empty array for methods that can return multiple results and no result is found
//   - return ErrConflict from Batch.Flush when a definition version was already assigned for its kind, key and tenant
//   - keep assigned versions after the definition holding them is deleted
//
// The inmemory package is the reference implementation used in tests, storagetest holds the
// contract every implementation runs.
package storage
