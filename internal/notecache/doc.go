// Package notecache keeps a read-only local mirror of server-validated
// delivery notes and a bounded set of their images.
//
// # Refresh
//
// Refresh is single-flight and independent of the upload sync, so the two may
// run at the same time. It does nothing while offline and, unless forced,
// within the cooldown (5 minutes) of the last successful refresh. A non-forced
// refresh sends the previous refresh time as the since cursor so the server
// returns only changed rows; the page size is capped (200).
//
// Rows are upserted by server id. The images of the most recent rows (10 by
// default) are then prefetched in the background; Refresh does not wait for
// them. A successful response always advances the refresh time, even with zero
// rows, and publishes cache-updated.
//
// Transport, server and storage failures are logged and swallowed so reads
// keep working from the last snapshot. Session loss is published and returned.
//
// # Reads
//
//	GetList    refresh (best effort) then read the cache
//	GetDetail  cache only
//	GetImage   cache first, then the server when reachable; absence is (nil, nil)
//
// Every image insert is followed by eviction of the least recently accessed
// images beyond the configured maximum (50).
package notecache
