// Package session holds the conversation flags shared by the coordination
// loops.
package session

import "sync/atomic"

// Flags are the per-conversation booleans read and written from several
// goroutines. The zero value is ready to use with every flag false.
type Flags struct {
	ttsPlaying    atomic.Bool
	keepListening atomic.Bool
	aborted       atomic.Bool
}

// TTSPlaying reports whether the server is currently streaming speech.
func (f *Flags) TTSPlaying() bool { return f.ttsPlaying.Load() }

// SetTTSPlaying records the server's speech state.
func (f *Flags) SetTTSPlaying(v bool) { f.ttsPlaying.Store(v) }

// KeepListening reports whether the conversation should return to Listening
// once the assistant finishes speaking.
func (f *Flags) KeepListening() bool { return f.keepListening.Load() }

// SetKeepListening sets the continuous conversation mode.
func (f *Flags) SetKeepListening(v bool) { f.keepListening.Store(v) }

// Aborted reports whether an abort is in flight.
func (f *Flags) Aborted() bool { return f.aborted.Load() }

// BeginAbort marks an abort as in flight. It returns false, leaving the
// flag untouched, when another abort already holds it.
func (f *Flags) BeginAbort() bool { return f.aborted.CompareAndSwap(false, true) }

// EndAbort clears the in-flight abort marker.
func (f *Flags) EndAbort() { f.aborted.Store(false) }
