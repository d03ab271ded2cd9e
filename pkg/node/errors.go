package node

import (
    "fmt"

    "github.com/amirimatin/go-filechain/pkg/transport"
)

var (
    ErrFileUploaded = fmt.Errorf("node: file already uploaded: %w", transport.ErrConflict)
    ErrFileNotFound = fmt.Errorf("node: file not found: %w", transport.ErrNotFound)
    ErrNotSender    = fmt.Errorf("node: channel is not a sender: %w", transport.ErrInvalid)
    ErrNoLedger     = fmt.Errorf("node: no ledger configured: %w", transport.ErrInvalid)
)
