// Package syncer drains the pending delivery-note queue to the server.
//
// # State Machine
//
//	PENDING -> UPLOADING -> SYNCED
//	                     -> FAILED -> UPLOADING (automatic retry, retry_count < max)
//	                               -> PENDING   (manual Retry resets the budget)
//
// UPLOADING is an in-flight marker. SyncOne treats a note in UPLOADING or
// SYNCED as not eligible and returns false without touching it, so a scheduled
// retry racing a fresh SyncAll is harmless. Notes left UPLOADING by a crash are
// returned to PENDING by the store at startup.
//
// # Retries
//
// Each failed attempt increments retry_count atomically in the store and marks
// the note FAILED. While retry_count stays below MaxRetries one deferred retry
// is scheduled, with a delay taken from the backoff schedule indexed by the
// count before the failure (2s, 8s, 32s by default; the last entry repeats).
// The third failure exhausts the budget and nothing is scheduled.
//
// A note with no photos is failed immediately with ErrNoPhotos and no retry.
// Session loss puts the note back to PENDING without counting an attempt,
// publishes session-lost, and ends the current batch.
//
// # Batches
//
// SyncAll is single-flight: overlapping calls return at once. Notes are sent
// one at a time in queue order, re-checking reachability before each, and the
// batch stops as soon as the server looks unreachable. SYNCED notes older than
// the cleanup age are purged after every batch.
package syncer
