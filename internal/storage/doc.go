// Package storage provides the outcome journal.
//
// Terminal task outcomes are appended by a Recorder that listens on the event
// bus. The journal is write-only from the engine's point of view: it is never
// replayed into the queue on restart.
package storage
