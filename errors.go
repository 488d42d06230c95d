package cloudraidfs

import "errors"

// Sentinel error kinds, tested with errors.Is per the error-handling design.
var (
	// ErrInvalidParameters is returned by the coder when k<=0 or m<0.
	ErrInvalidParameters = errors.New("erasure: invalid k/m parameters")

	// ErrInsufficient is returned when fewer than k chunks survive decode.
	ErrInsufficient = errors.New("erasure: insufficient surviving chunks")

	// ErrSingular is returned when the decode submatrix is singular.
	ErrSingular = errors.New("erasure: singular decode matrix")

	// ErrShortChunk is returned when a chunk's length is inconsistent with its peers.
	ErrShortChunk = errors.New("erasure: inconsistent chunk length")

	// ErrUnrecoverable is returned by RaidStore.read_stripe on backend failure fan-in.
	ErrUnrecoverable = errors.New("raid: stripe unrecoverable")

	// ErrStripeNotFound indicates every backend reported absence (never written, or lost).
	ErrStripeNotFound = errors.New("raid: stripe not found")

	// ErrQueueFull is returned by AsyncUploader.enqueue_stripe under back-pressure.
	ErrQueueFull = errors.New("uploader: queue full")

	// ErrSpoolIO is returned when the local spool directory can't be written.
	ErrSpoolIO = errors.New("uploader: spool i/o error")

	// ErrMetadataCorruption indicates the persisted metadata stream failed to parse.
	ErrMetadataCorruption = errors.New("metadata: corrupt on-disk stream")

	// ErrConfig is returned by the config loader for missing/invalid keys.
	ErrConfig = errors.New("config: invalid configuration")

	// ErrNotFound reports an absent chunk key. It is a distinct value
	// from backend.ErrNotFound, which is what the ChunkBackend drivers
	// return; nothing in this package returns ErrNotFound.
	ErrNotFound = errors.New("backend: chunk not found")

	// ErrNotExist is returned by MetadataStore operations on an unknown path.
	ErrNotExist = errors.New("metadata: path does not exist")

	// ErrExist is returned when an operation requires absence but the path exists.
	ErrExist = errors.New("metadata: path already exists")

	// ErrNotDir is returned when a path expected to be a directory isn't one.
	ErrNotDir = errors.New("metadata: not a directory")

	// ErrIsDir is returned when a path expected to be a file is a directory.
	ErrIsDir = errors.New("metadata: is a directory")

	// ErrNotEmpty is returned when removing a non-empty directory.
	ErrNotEmpty = errors.New("metadata: directory not empty")
)
