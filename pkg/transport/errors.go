package transport

import (
    "errors"

    "github.com/amirimatin/go-filechain/pkg/broker"
    "github.com/amirimatin/go-filechain/pkg/chunk"
    "github.com/amirimatin/go-filechain/pkg/ledger"
    ledgerraft "github.com/amirimatin/go-filechain/pkg/ledger/raft"
    "github.com/amirimatin/go-filechain/pkg/registry"
    "github.com/amirimatin/go-filechain/pkg/security/keys"
    "github.com/amirimatin/go-filechain/pkg/store"
    "github.com/amirimatin/go-filechain/pkg/upload"
)

var kinds = []struct {
    kind    error
    members []error
}{
    {ErrInvalid, []error{
        ErrInvalid, registry.ErrInvalidChannel, chunk.ErrPathTraversal, chunk.ErrInvalidGeometry,
        chunk.ErrInvalidName, chunk.ErrOutOfRange, chunk.ErrChunkSize, upload.ErrInvalidChunk,
        broker.ErrInvalidKey, keys.ErrUnknownKind,
    }},
    {ErrNotFound, []error{
        ErrNotFound, registry.ErrClientNotFound, registry.ErrChannelNotFound, upload.ErrSessionNotFound,
        store.ErrNotFound, ledger.ErrGroupNotFound, ledger.ErrContractNotFound, broker.ErrTopicNotOpen,
    }},
    {ErrConflict, []error{
        ErrConflict, registry.ErrChannelExists, registry.ErrChannelBusy, broker.ErrFileExists,
        broker.ErrTopicOpen, ledger.ErrAddressExists, chunk.ErrChunkBusy,
    }},
    {ErrNotLeader, []error{ErrNotLeader, ledgerraft.ErrNotLeader}},
}

// Kind classifies err as ErrInvalid, ErrNotFound, ErrConflict or
// ErrNotLeader, or returns nil for anything else.
func Kind(err error) error {
    for _, k := range kinds {
        for _, m := range k.members {
            if errors.Is(err, m) { return k.kind }
        }
    }
    return nil
}
