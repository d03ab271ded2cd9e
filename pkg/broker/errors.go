package broker

import "errors"

var (
    ErrTopicNotOpen = errors.New("broker: topic transport not open")
    ErrTopicOpen    = errors.New("broker: topic transport already open")
    ErrFileExists   = errors.New("broker: file already exists on topic")
    ErrInvalidKey   = errors.New("broker: invalid key material")
    ErrClosed       = errors.New("broker: client shut down")
)
