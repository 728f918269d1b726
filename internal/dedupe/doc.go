// Package dedupe provides a time-windowed set of recently seen keys, used to
// suppress repeated work (such as re-fetching the same image) within a window.
package dedupe
