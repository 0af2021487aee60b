// Package vqerr defines the dataplane error taxonomy shared by every
// component. Per-packet failures are never returned through these; they are
// counted on the owning component's stats and the packet is freed. These
// sentinels are for operation-level (API call) failures only.
package vqerr

import "errors"

var (
	// ErrInvalidArgument means the caller violated the call's contract; the
	// call returns without side effect.
	ErrInvalidArgument = errors.New("vqec-dp: invalid argument")

	// ErrNotInitialised means a module-scope singleton was used before
	// module_init, or a channel method was called before the channel
	// finished construction.
	ErrNotInitialised = errors.New("vqec-dp: not initialised")

	// ErrAlreadyInitialised means module_init was called twice without an
	// intervening module_deinit.
	ErrAlreadyInitialised = errors.New("vqec-dp: already initialised")

	// ErrNoResource means a pool was empty or the ID table was exhausted.
	// The caller may retry once resources free up.
	ErrNoResource = errors.New("vqec-dp: no resource")

	// ErrNotFound means a handle did not map to a live object.
	ErrNotFound = errors.New("vqec-dp: not found")

	// ErrAlreadyExists means a create request collided with a live handle.
	ErrAlreadyExists = errors.New("vqec-dp: already exists")

	// ErrInvalidApp means TS-RAP TLV decode failed or the decoded TS buffer
	// overflowed its target.
	ErrInvalidApp = errors.New("vqec-dp: invalid APP")

	// ErrNoResourceForRTPHeader means an APP packet's buffer cannot host the
	// 12-byte synthetic RTP header prefix. The caller must fold this into
	// the state machine as InternalError.
	ErrNoResourceForRTPHeader = errors.New("vqec-dp: no resource for RTP header")

	// ErrStream covers bind-time stream errors: NACK capability mismatch,
	// encapsulation mismatch, OS already connected, invalid method.
	ErrStream = errors.New("vqec-dp: stream error")

	// ErrInternal marks a programming invariant violated on a path not
	// reachable by caller action. Logged, and folded into the state machine
	// as InternalError; not necessarily fatal.
	ErrInternal = errors.New("vqec-dp: internal error")
)
