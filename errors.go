package eventgraph

import "errors"

var (
	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("eventgraph: invalid configuration")

	// ErrItemNotFound is returned when a work item id does not exist.
	ErrItemNotFound = errors.New("eventgraph: work item not found")

	// ErrUnsupportedFormat is returned for unrecognized input file formats.
	ErrUnsupportedFormat = errors.New("eventgraph: unsupported input format")

	// ErrParsingFailed is returned when an input file cannot be parsed.
	ErrParsingFailed = errors.New("eventgraph: parsing failed")

	// ErrNoText is returned when an input yields no source text.
	ErrNoText = errors.New("eventgraph: no source text")

	// ErrClosed is returned when operating on a closed engine.
	ErrClosed = errors.New("eventgraph: engine is closed")
)
