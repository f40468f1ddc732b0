package block

import (
	"encoding/binary"
	"errors"

	"golang.org/x/text/encoding/charmap"

	"novakernel/defs"
	"novakernel/mem"
	"novakernel/pmm"
)

// BPB is the FAT32 BIOS Parameter Block, read once at mount. Field
// accessors follow biscuit's super.go fieldr/fieldw pattern
// (named offset -> typed read), adapted from that file's 4-byte-word
// indexing into mixed-width fields at the byte offsets the FAT32
// specification fixes.
type BPB struct {
	raw [512]byte
}

func (b *BPB) u16(off int) uint16 { return binary.LittleEndian.Uint16(b.raw[off:]) }
func (b *BPB) u32(off int) uint32 { return binary.LittleEndian.Uint32(b.raw[off:]) }

func (b *BPB) BytesPerSector() int    { return int(b.u16(11)) }
func (b *BPB) SectorsPerCluster() int { return int(b.raw[13]) }
func (b *BPB) ReservedSectors() int   { return int(b.u16(14)) }
func (b *BPB) NumFATs() int           { return int(b.raw[16]) }
func (b *BPB) TotalSectors() int64 {
	if s := b.u16(19); s != 0 {
		return int64(s)
	}
	return int64(b.u32(32))
}
func (b *BPB) FATSize() int64   { return int64(b.u32(36)) }
func (b *BPB) RootCluster() int { return int(b.u32(44)) }

// firstDataSector is the sector at which cluster 2 (FAT32's first
// usable cluster) begins.
func (b *BPB) firstDataSector() int64 {
	return int64(b.ReservedSectors()) + int64(b.NumFATs())*b.FATSize()
}

func (b *BPB) clusterToSector(cluster int) int64 {
	return b.firstDataSector() + int64(cluster-2)*int64(b.SectorsPerCluster())
}

// Reader walks a FAT32 volume read-only, the narrow contract spec.md
// §6 names: no write path, no directory creation, only enough of the
// layout to find a file by walking directories and follow its cluster
// chain. Scratch buffers for each I/O are carved from alloc per call
// (not a single reused offset), since frames handed back by
// pmm.Allocator are real allocations other callers could also be
// holding live references into.
type Reader struct {
	dev   Device
	alloc *pmm.Allocator
	cpu   defs.Cpu_t
	bpb   BPB
}

// scratch allocates enough whole frames to hold n bytes, runs fn
// against a slice of exactly n bytes backed by them, and frees the
// frames before returning.
func (r *Reader) scratch(n int, fn func(buf []byte) error) error {
	frames := mem.PageRound(n) / mem.PGSIZE
	var pa mem.Pa_t
	var errv defs.Err_t
	if frames <= 1 {
		pa, errv = r.alloc.AllocFrame(r.cpu)
	} else {
		pa, errv = r.alloc.AllocFrames(frames)
	}
	if errv != 0 {
		return errors.New("block: out of memory for scratch I/O buffer")
	}
	defer func() {
		if frames <= 1 {
			r.alloc.Free(r.cpu, pa)
		} else {
			r.alloc.FreeFrames(pa, frames)
		}
	}()
	return fn(r.alloc.Slice(pa, n))
}

// OpenReader reads the boot sector at sector 0 and validates it holds
// a FAT32 BPB.
func OpenReader(dev Device, alloc *pmm.Allocator, cpu defs.Cpu_t) (*Reader, error) {
	r := &Reader{dev: dev, alloc: alloc, cpu: cpu}
	err := r.scratch(dev.SectorSize(), func(sec []byte) error {
		if err := Read(dev, 0, DMABuffer{Phys: alloc.PaOf(sec), Len: dev.SectorSize()}); err != nil {
			return err
		}
		copy(r.bpb.raw[:], sec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if r.bpb.raw[510] != 0x55 || r.bpb.raw[511] != 0xaa {
		return nil, errors.New("block: missing boot sector signature")
	}
	if r.bpb.u16(19) == 0 && r.bpb.FATSize() == 0 {
		return nil, errors.New("block: not a FAT32 volume")
	}
	return r, nil
}

// readCluster reads one full cluster's bytes.
func (r *Reader) readCluster(cluster int) ([]byte, error) {
	ssz := r.bpb.BytesPerSector()
	sz := r.bpb.SectorsPerCluster() * ssz
	sector := r.bpb.clusterToSector(cluster)
	out := make([]byte, sz)
	err := r.scratch(sz, func(buf []byte) error {
		// PaOf frame-aligns, so take buf's base once and offset each
		// sector from it.
		base := r.alloc.PaOf(buf)
		for i := 0; i < r.bpb.SectorsPerCluster(); i++ {
			if err := Read(r.dev, sector+int64(i), DMABuffer{Phys: base + mem.Pa_t(i*ssz), Len: ssz}); err != nil {
				return err
			}
		}
		copy(out, buf)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// nextCluster follows the FAT chain, returning 0 when cluster was the
// chain's final entry.
func (r *Reader) nextCluster(cluster int) (int, error) {
	fatOffset := cluster * 4
	sector := int64(r.bpb.ReservedSectors()) + int64(fatOffset/r.bpb.BytesPerSector())
	entryOffset := fatOffset % r.bpb.BytesPerSector()
	var next uint32
	err := r.scratch(r.bpb.BytesPerSector(), func(buf []byte) error {
		if err := Read(r.dev, sector, DMABuffer{Phys: r.alloc.PaOf(buf), Len: len(buf)}); err != nil {
			return err
		}
		next = binary.LittleEndian.Uint32(buf[entryOffset:]) & 0x0fffffff
		return nil
	})
	if err != nil {
		return 0, err
	}
	if next >= 0x0ffffff8 {
		return 0, nil
	}
	return int(next), nil
}

// ReadFile walks cluster by cluster and returns the full contents of a
// file sized size bytes starting at startCluster.
func (r *Reader) ReadFile(startCluster int, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	cluster := startCluster
	for cluster != 0 && len(out) < size {
		data, err := r.readCluster(cluster)
		if err != nil {
			return nil, err
		}
		remain := size - len(out)
		if remain < len(data) {
			data = data[:remain]
		}
		out = append(out, data...)
		cluster, err = r.nextCluster(cluster)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DirEntry is one parsed 8.3 directory entry.
type DirEntry struct {
	Name    string
	Attr    uint8
	Cluster int
	Size    int
	IsDir   bool
}

const (
	attrDirectory = 0x10
	attrLongName  = 0x0f
)

// ReadDir returns every short-name entry in the directory starting at
// dirCluster, skipping long-filename continuation entries (VFAT LFN
// entries are not in scope, per the FAT32-read-only contract — only
// the 8.3 short name is decoded).
func (r *Reader) ReadDir(dirCluster int) ([]DirEntry, error) {
	var entries []DirEntry
	cluster := dirCluster
	for cluster != 0 {
		data, err := r.readCluster(cluster)
		if err != nil {
			return nil, err
		}
		for off := 0; off+32 <= len(data); off += 32 {
			raw := data[off : off+32]
			if raw[0] == 0x00 {
				return entries, nil // no more entries in the directory
			}
			if raw[0] == 0xe5 || raw[11] == attrLongName {
				continue // deleted, or a VFAT long-name continuation
			}
			name, err := decodeShortName(raw[0:11])
			if err != nil {
				return nil, err
			}
			attr := raw[11]
			clusterHi := binary.LittleEndian.Uint16(raw[20:22])
			clusterLo := binary.LittleEndian.Uint16(raw[26:28])
			size := binary.LittleEndian.Uint32(raw[28:32])
			entries = append(entries, DirEntry{
				Name:    name,
				Attr:    attr,
				Cluster: int(clusterHi)<<16 | int(clusterLo),
				Size:    int(size),
				IsDir:   attr&attrDirectory != 0,
			})
		}
		cluster, err = r.nextCluster(cluster)
		if err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// decodeShortName decodes an 11-byte 8.3 short name, stored on disk in
// IBM code page 437 (golang.org/x/text/encoding/charmap), and
// reassembles it as "NAME.EXT" with trailing spaces trimmed.
func decodeShortName(raw []byte) (string, error) {
	dec := charmap.CodePage437.NewDecoder()
	base, err := dec.Bytes(trimSpaces(raw[0:8]))
	if err != nil {
		return "", err
	}
	ext, err := dec.Bytes(trimSpaces(raw[8:11]))
	if err != nil {
		return "", err
	}
	if len(ext) == 0 {
		return string(base), nil
	}
	return string(base) + "." + string(ext), nil
}

func trimSpaces(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == ' ' {
		end--
	}
	return b[:end]
}
