package chunk

import "errors"

var (
    ErrInvalidGeometry = errors.New("chunk: invalid file geometry")
    ErrPathTraversal   = errors.New("chunk: path contains a parent-directory segment")
    ErrInvalidName     = errors.New("chunk: invalid path component")
    ErrOutOfRange      = errors.New("chunk: chunk index out of range")
    ErrChunkSize       = errors.New("chunk: chunk payload has the wrong length")
    ErrChunkBusy       = errors.New("chunk: chunk is being written by another caller")
    ErrMetaNotFound    = errors.New("chunk: metadata not found")
)
