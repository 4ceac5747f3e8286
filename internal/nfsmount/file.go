package nfsmount

import (
	"bytes"

	billy "github.com/go-git/go-billy/v5"
)

// leafFile is an open handle on one rendered Pokémon file. The rendering is
// captured at open time, so a refresh never changes bytes under a reader.
type leafFile struct {
	*bytes.Reader
	name string
}

func newLeafFile(name string, rendering []byte) *leafFile {
	return &leafFile{Reader: bytes.NewReader(rendering), name: name}
}

func (f *leafFile) Name() string { return f.name }

func (f *leafFile) Write([]byte) (int, error) { return 0, errReadOnly }

func (f *leafFile) Truncate(int64) error { return errReadOnly }

// Lock and Unlock are no-ops; nothing can write.
func (f *leafFile) Lock() error   { return nil }
func (f *leafFile) Unlock() error { return nil }

func (f *leafFile) Close() error { return nil }

var _ billy.File = (*leafFile)(nil)
