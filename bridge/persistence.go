package bridge

import (
	"bytes"
	"context"

	"github.com/linuxwasm/hostrt/memory"
)

// PersistenceBackend is whatever actually stores path-keyed blobs — a
// sqlite-backed store in production, a fake in tests.
type PersistenceBackend interface {
	Save(ctx context.Context, path string, data []byte, mode uint32) error
	Load(ctx context.Context, path string) ([]byte, bool, error)
	Delete(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Persistence implements the fs_save/fs_load/fs_delete/fs_list host
// callbacks over a PersistenceBackend.
type Persistence struct {
	km      *memory.KernelMemory
	backend PersistenceBackend
}

func NewPersistence(km *memory.KernelMemory, backend PersistenceBackend) *Persistence {
	return &Persistence{km: km, backend: backend}
}

func (p *Persistence) readString(addr, length uint32) (string, error) {
	buf := make([]byte, length)
	if err := p.km.ReadAt(buf, addr); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Save implements fs_save.
func (p *Persistence) Save(ctx context.Context, pathAddr, pathLen, dataAddr, dataLen, mode uint32) int32 {
	path, err := p.readString(pathAddr, pathLen)
	if err != nil {
		return int32(StatusError)
	}

	data := make([]byte, dataLen)
	if err := p.km.ReadAt(data, dataAddr); err != nil {
		return int32(StatusError)
	}

	m := NewMessenger()
	m.Begin()

	if err := p.backend.Save(ctx, path, data, mode); err != nil {
		m.Complete(StatusError)
	} else {
		m.Complete(StatusOK)
	}

	status, _, err := m.Wait(ctx)
	if err != nil {
		return int32(StatusError)
	}

	return int32(status)
}

// Load implements fs_load: writes up to bufLen bytes into kernel memory at
// bufAddr and returns the byte count, or StatusNotFound's negative, or
// StatusError's negative.
func (p *Persistence) Load(ctx context.Context, pathAddr, pathLen, bufAddr, bufLen uint32) int32 {
	path, err := p.readString(pathAddr, pathLen)
	if err != nil {
		return -int32(StatusError)
	}

	m := NewMessenger()
	m.Begin()

	data, ok, err := p.backend.Load(ctx, path)
	switch {
	case err != nil:
		m.Complete(StatusError)
	case !ok:
		m.Complete(StatusNotFound)
	default:
		if uint32(len(data)) > bufLen {
			data = data[:bufLen]
		}
		if err := p.km.WriteAt(data, bufAddr); err != nil {
			m.Complete(StatusError)
		} else {
			m.Complete(StatusOK, int32(len(data)))
		}
	}

	status, results, err := m.Wait(ctx)
	if err != nil {
		return -int32(StatusError)
	}
	if status != StatusOK {
		return -int32(status)
	}

	return results[0]
}

// Delete implements fs_delete.
func (p *Persistence) Delete(ctx context.Context, pathAddr, pathLen uint32) int32 {
	path, err := p.readString(pathAddr, pathLen)
	if err != nil {
		return -int32(StatusError)
	}

	m := NewMessenger()
	m.Begin()

	ok, err := p.backend.Delete(ctx, path)
	switch {
	case err != nil:
		m.Complete(StatusError)
	case !ok:
		m.Complete(StatusNotFound)
	default:
		m.Complete(StatusOK)
	}

	status, _, err := m.Wait(ctx)
	if err != nil {
		return -int32(StatusError)
	}
	if status != StatusOK {
		return -int32(status)
	}

	return int32(StatusOK)
}

// List implements fs_list: writes a newline-joined list of matching paths
// into kernel memory at bufAddr, truncated to bufLen, and returns the byte
// count written.
func (p *Persistence) List(ctx context.Context, prefixAddr, prefixLen, bufAddr, bufLen uint32) int32 {
	prefix, err := p.readString(prefixAddr, prefixLen)
	if err != nil {
		return -int32(StatusError)
	}

	m := NewMessenger()
	m.Begin()

	paths, err := p.backend.List(ctx, prefix)
	if err != nil {
		m.Complete(StatusError)
	} else {
		joined := bytes.Join(toByteSlices(paths), []byte("\n"))
		if uint32(len(joined)) > bufLen {
			joined = joined[:bufLen]
		}
		if err := p.km.WriteAt(joined, bufAddr); err != nil {
			m.Complete(StatusError)
		} else {
			m.Complete(StatusOK, int32(len(joined)))
		}
	}

	status, results, err := m.Wait(ctx)
	if err != nil {
		return -int32(StatusError)
	}
	if status != StatusOK {
		return -int32(status)
	}

	return results[0]
}

func toByteSlices(ss []string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}
