// Package storage provides the persistence layer behind the rotation service.
//
// It currently supports:
//   - Audit log appends (one row per handled command)
//   - Settings (the tab-behavior policy)
//   - The rotation snapshot used to resume after a restart
package storage
