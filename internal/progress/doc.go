// Package progress carries run lifecycle and task outcome events from the
// pipeline to pluggable sinks. Emitting never blocks a worker; a background
// goroutine batches events and fans them out.
package progress
