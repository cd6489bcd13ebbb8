// Package storage provides the transactional record store used by the dispatcher.
//
// It persists:
//   - Notice categories and per-user channel preferences
//   - On-site notice records (with an atomic duplicate-suppression insert)
//   - Queued dispatch batches awaiting replay
//   - A minimal user directory and per-user notification language
package storage
