// Package probe decides whether the backend is actually reachable.
//
// The OS link flag is unreliable in one direction only: it can claim "online"
// while attached to a network with no route out. The Prober therefore trusts a
// negative link signal immediately, and verifies a positive one with a HEAD
// request against a small static resource. Probe results are cached for a short
// TTL; Invalidate clears the cache and must be called on every link transition.
//
//	p := probe.New(probe.Config{BaseURL: "https://app.example.com"})
//	if p.IsOnline(ctx) {
//	    // attempt network work
//	}
//
// Watch turns the polled link signal into online/offline transition callbacks.
package probe
