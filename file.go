package ccd

import (
	"bytes"
	"encoding/binary"
	"errors"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// Stream caters for a generic reader type so that we can handle both
// a stream of data from a file on disk or object store, as well as
// an in-memory byte stream.
// This module deals with either a *tiledb.VFSfh or *bytes.Reader,
// and all we care about are two methods, Read and Seek,
// which both implement.
type Stream interface {
	Read(p []byte) (int, error)
	Seek(offset int64, whence int) (int64, error)
}

// GenericStream decides whether we build an in-memory byte stream or
// leave it as a stream handled by *tiledb.VFSfh.
func GenericStream(stream *tiledb.VFSfh, size uint64, inmem bool) (Stream, error) {
	if inmem {
		buffer := make([]byte, size)
		err := binary.Read(stream, binary.BigEndian, &buffer)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(buffer), nil
	}
	return stream, nil
}

// Tell is a small helper function for telling the current position within
// a binary file opened for reading.
func Tell(stream Stream) (int64, error) {
	return stream.Seek(0, 1)
}

// CalFile contains the relevant information for an opened calibration
// product or reference file to enable streamed reading through the
// TileDB virtual filesystem, which handles both local paths and object
// stores.
type CalFile struct {
	Uri      string
	filesize uint64
	config   *tiledb.Config
	ctx      *tiledb.Context
	vfs      *tiledb.VFS
	handler  *tiledb.VFSfh
	Stream
}

// OpenCal opens a file for streamed IO and constructs a CalFile.
func OpenCal(uri string, configURI string, inMemory bool) (*CalFile, error) {
	var (
		config *tiledb.Config
		err    error
	)

	cf := &CalFile{Uri: uri}

	if configURI == "" {
		config, err = tiledb.NewConfig()
	} else {
		config, err = tiledb.LoadConfig(configURI)
	}
	if err != nil {
		return nil, errors.Join(ErrOpenFailed, err)
	}
	cf.config = config

	ctx, err := tiledb.NewContext(config)
	if err != nil {
		return nil, errors.Join(ErrOpenFailed, err)
	}
	cf.ctx = ctx

	vfs, err := tiledb.NewVFS(ctx, config)
	if err != nil {
		return nil, errors.Join(ErrOpenFailed, err)
	}
	cf.vfs = vfs

	size, err := vfs.FileSize(uri)
	if err != nil {
		return nil, errors.Join(ErrOpenFailed, err)
	}
	cf.filesize = size

	handler, err := vfs.Open(uri, tiledb.TILEDB_VFS_READ)
	if err != nil {
		return nil, errors.Join(ErrOpenFailed, err)
	}
	cf.handler = handler

	stream, err := GenericStream(handler, size, inMemory)
	if err != nil {
		return nil, errors.Join(ErrOpenFailed, err)
	}
	cf.Stream = stream

	return cf, nil
}

// Close releases the file handle and the TileDB context.
func (cf *CalFile) Close() {
	if cf.handler != nil {
		_ = cf.handler.Close()
	}
	if cf.vfs != nil {
		cf.vfs.Free()
	}
	if cf.ctx != nil {
		cf.ctx.Free()
	}
	if cf.config != nil {
		cf.config.Free()
	}
}

// WriteFile writes a whole buffer through the virtual filesystem,
// replacing any existing file at the target.
func WriteFile(uri string, configURI string, data []byte) error {
	var (
		config *tiledb.Config
		err    error
	)

	if configURI == "" {
		config, err = tiledb.NewConfig()
	} else {
		config, err = tiledb.LoadConfig(configURI)
	}
	if err != nil {
		return errors.Join(ErrOpenFailed, err)
	}
	defer config.Free()

	ctx, err := tiledb.NewContext(config)
	if err != nil {
		return errors.Join(ErrOpenFailed, err)
	}
	defer ctx.Free()

	vfs, err := tiledb.NewVFS(ctx, config)
	if err != nil {
		return errors.Join(ErrOpenFailed, err)
	}
	defer vfs.Free()

	exists, err := vfs.IsFile(uri)
	if err == nil && exists {
		if err := vfs.RemoveFile(uri); err != nil {
			return errors.Join(ErrOpenFailed, err)
		}
	}

	fh, err := vfs.Open(uri, tiledb.TILEDB_VFS_WRITE)
	if err != nil {
		return errors.Join(ErrOpenFailed, err)
	}
	defer fh.Close()

	if _, err := fh.Write(data); err != nil {
		return errors.Join(ErrOpenFailed, err)
	}

	return nil
}
