// Package notify broadcasts engine notifications to the host UI.
//
// Notifications are fire-and-forget: they tell subscribers that something changed
// and that they should re-read the store. Kinds:
//
//   - sync-status-changed: a pending note changed status, or a sync run ended
//   - cache-updated: the delivery-note mirror was refreshed
//   - session-lost: the token refresh returned 401; the user must sign in again
//   - storage-quota-critical: the host observed the storage quota warning
//
// Managers depend on the Publisher interface; Broadcaster is the in-memory
// implementation with per-subscriber buffered channels.
package notify
