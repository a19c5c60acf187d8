package decode

import (
	"io"
	"os"

	"golang.org/x/xerrors"
)

// ErrSourceUnavailable is returned when a request key cannot produce a
// byte source for its resource
var ErrSourceUnavailable = xerrors.New("source unavailable")

// RequestKey identifies a decodable resource. The decoder uses it to open
// input, and the buffer cache and completion aggregator use its ID as their
// key, so two keys for the same resource must return equal IDs.
//
// When SupportsDirectHandle returns true, OpenHandle is tried before
// OpenSource to avoid an extra copy through a generic stream.
type RequestKey interface {
	// ID returns the identifying content of the key
	ID() string

	// OpenSource opens a byte stream for the resource
	OpenSource() (io.ReadCloser, error)

	// SupportsDirectHandle returns whether the resource can be opened
	// as a local file handle
	SupportsDirectHandle() bool

	// OpenHandle opens the resource as a local file
	OpenHandle() (*os.File, error)
}

// FileRequestKey is a RequestKey for an image stored on the local filesystem
type FileRequestKey struct {
	Path string
}

// NewFileRequestKey creates a new FileRequestKey
func NewFileRequestKey(path string) *FileRequestKey {
	return &FileRequestKey{
		Path: path,
	}
}

// ID returns the file path, which identifies the resource
func (key *FileRequestKey) ID() string {
	return key.Path
}

// OpenSource opens the file as a byte stream
func (key *FileRequestKey) OpenSource() (io.ReadCloser, error) {
	return key.OpenHandle()
}

// SupportsDirectHandle returns true, local files always have a handle path
func (key *FileRequestKey) SupportsDirectHandle() bool {
	return true
}

// OpenHandle opens the file
func (key *FileRequestKey) OpenHandle() (*os.File, error) {
	file, err := os.Open(key.Path)
	if err != nil {
		return nil, xerrors.Errorf("failed to open %q (%s): %w", key.Path, err, ErrSourceUnavailable)
	}

	return file, nil
}
