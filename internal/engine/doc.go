// Package engine wires the offline-first delivery-note engine for its host.
//
// New opens the store and builds the prober, the token source, the API
// client, the notification broadcaster and both managers from one Config.
// The host then feeds it signals:
//
//	Capture     enqueue a note and its photos (errors surface)
//	OnOnline    link came up: drop the probe cache, sync, refresh
//	OnOffline   link went down: drop the probe cache
//	OnVisible   foreground again: re-probe, and sync and refresh when reachable
//	CheckQuota  read storage usage; publishes storage-quota-critical above 80%
//
// Run is the daemon form: it requeues uploads interrupted by a previous
// crash, then runs the periodic sync, refresh and quota jobs (gocron), the link
// watcher, and a sync pass after each capture, until its context is done.
package engine
