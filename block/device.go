// Package block is the narrow BlockDevice contract and a FAT32
// read-only reader built on top of it (spec.md §6): the kernel side of
// this package never touches AHCI/NVMe register programming — that
// lives in the device driver external to this scope — it only issues
// sector-addressed read/write requests against whatever satisfies
// Device.
package block

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"novakernel/mem"
	"novakernel/pmm"
)

// Cmd is a block device request's direction.
type Cmd int

const (
	CmdRead Cmd = iota
	CmdWrite
)

// DMABuffer is a physically contiguous buffer descriptor (spec.md §9
// Open Question iv, resolved): the block layer only ever hands a
// driver a {physical address, length} pair rather than a bare virtual
// pointer, leaving contiguity (or a gather list) to the VMM-facing
// caller that built it.
type DMABuffer struct {
	Phys mem.Pa_t
	Len  int
}

// Request is one queued block I/O, grounded on biscuit's
// biscuit/src/fs/blk.go Bdev_req_t: a command, the target sector
// range, a buffer, and a channel the driver signals on completion
// instead of Bdev_req_t's bool-then-AckCh pair, since this narrower
// contract never needs Bdev_req_t's batched BlkList_t of multiple
// blocks in one request.
type Request struct {
	Cmd    Cmd
	Sector int64
	Buf    DMABuffer
	Sync   bool
	AckCh  chan error
}

// NewRequest builds a request with its completion channel ready.
func NewRequest(cmd Cmd, sector int64, buf DMABuffer, sync bool) *Request {
	return &Request{Cmd: cmd, Sector: sector, Buf: buf, Sync: sync, AckCh: make(chan error, 1)}
}

// Device is the BlockDevice contract spec.md §6 names: a name, fixed
// sector geometry, and a request queue the driver (external to this
// module) services. Grounded on biscuit's Disk_i interface
// (Start(*Bdev_req_t) bool), narrowed to drop Disk_i's Stats() string
// diagnostic method — this package's callers have no console to print
// it to.
type Device interface {
	Name() string
	SectorSize() int
	TotalSectors() int64
	Start(*Request) bool
}

// Read issues a synchronous read of one sector's worth of data
// (req.Buf.Len must equal dev.SectorSize()) and blocks for
// completion, the pattern biscuit's Bdev_block_t.Read uses.
func Read(dev Device, sector int64, buf DMABuffer) error {
	req := NewRequest(CmdRead, sector, buf, true)
	if dev.Start(req) {
		return <-req.AckCh
	}
	return nil
}

// Write issues a synchronous write, mirroring Read.
func Write(dev Device, sector int64, buf DMABuffer) error {
	req := NewRequest(CmdWrite, sector, buf, true)
	if dev.Start(req) {
		return <-req.AckCh
	}
	return nil
}

// memDevice is an in-memory Device for tests and for hosting a FAT32
// image without a real driver underneath. DMA buffers are resolved
// through a pmm.Arena exactly as pmm.Arena.Slice documents it being
// used for ("the block layer's DMA descriptors"), so this device
// exercises the same physical-address-as-offset model the rest of the
// kernel uses instead of inventing a separate one.
type memDevice struct {
	mu         sync.Mutex
	name       string
	sectorSize int
	image      []byte
	arena      *pmm.Arena
}

// NewMemDevice wraps image as a Device with the given sector size, for
// tests driving the FAT32 reader without a real AHCI/NVMe backend.
// DMA buffers passed to Start must have been carved from arena.
func NewMemDevice(name string, sectorSize int, image []byte, arena *pmm.Arena) Device {
	return &memDevice{name: name, sectorSize: sectorSize, image: image, arena: arena}
}

func (d *memDevice) Name() string        { return d.name }
func (d *memDevice) SectorSize() int     { return d.sectorSize }
func (d *memDevice) TotalSectors() int64 { return int64(len(d.image) / d.sectorSize) }

func (d *memDevice) Start(req *Request) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := req.Sector * int64(d.sectorSize)
	buf := d.arena.Slice(req.Buf.Phys, req.Buf.Len)
	switch req.Cmd {
	case CmdRead:
		copy(buf, d.image[off:off+int64(req.Buf.Len)])
	case CmdWrite:
		copy(d.image[off:off+int64(req.Buf.Len)], buf)
	}
	req.AckCh <- nil
	return true
}

// fileDevice is a Device backed by a real file through unix.Pread/
// unix.Pwrite, so the FAT32 reader can be exercised against actual
// on-disk bytes (e.g. a disk image produced by mkfs.vfat) instead of
// only an in-memory stub.
type fileDevice struct {
	mu         sync.Mutex
	name       string
	sectorSize int
	fd         int
	file       *os.File
	total      int64
	arena      *pmm.Arena
}

// NewFileDevice opens path read-write and wraps it as a Device of the
// given sector size.
func NewFileDevice(name string, sectorSize int, path string, arena *pmm.Arena) (Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileDevice{
		name:       name,
		sectorSize: sectorSize,
		fd:         int(f.Fd()),
		file:       f,
		total:      fi.Size() / int64(sectorSize),
		arena:      arena,
	}, nil
}

func (d *fileDevice) Name() string        { return d.name }
func (d *fileDevice) SectorSize() int     { return d.sectorSize }
func (d *fileDevice) TotalSectors() int64 { return d.total }

func (d *fileDevice) Start(req *Request) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := req.Sector * int64(d.sectorSize)
	buf := d.arena.Slice(req.Buf.Phys, req.Buf.Len)
	var err error
	switch req.Cmd {
	case CmdRead:
		_, err = unix.Pread(d.fd, buf, off)
	case CmdWrite:
		_, err = unix.Pwrite(d.fd, buf, off)
	}
	req.AckCh <- err
	return true
}

// Close releases the underlying file descriptor.
func (d *fileDevice) Close() error {
	return d.file.Close()
}
