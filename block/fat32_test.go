package block

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"novakernel/defs"
	"novakernel/mem"
	"novakernel/pmm"
)

const testSectorSize = 512

// buildImage assembles a minimal FAT32 volume: one reserved boot
// sector, a one-sector FAT, a single-cluster root directory holding
// one file, and that file's single data cluster.
func buildImage(t *testing.T, fileData []byte) []byte {
	t.Helper()
	const sectorsPerCluster = 1
	const reservedSectors = 1
	const numFATs = 1
	const fatSizeSectors = 1
	const totalSectors = 8

	img := make([]byte, totalSectors*testSectorSize)
	boot := img[0:testSectorSize]
	binary.LittleEndian.PutUint16(boot[11:], testSectorSize)
	boot[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(boot[14:], reservedSectors)
	boot[16] = numFATs
	binary.LittleEndian.PutUint32(boot[32:], totalSectors)
	binary.LittleEndian.PutUint32(boot[36:], fatSizeSectors)
	binary.LittleEndian.PutUint32(boot[44:], 2) // root cluster
	boot[510] = 0x55
	boot[511] = 0xaa

	// FAT table lives in sector `reservedSectors`; cluster 2 (root) and
	// cluster 3 (file data) are both single-cluster end-of-chain marks.
	fat := img[reservedSectors*testSectorSize : (reservedSectors+fatSizeSectors)*testSectorSize]
	binary.LittleEndian.PutUint32(fat[2*4:], 0x0fffffff)
	binary.LittleEndian.PutUint32(fat[3*4:], 0x0fffffff)

	// Root directory cluster 2 -> sector 2: one short-name entry for
	// HELLO.TXT pointing at cluster 3.
	rootSector := reservedSectors + numFATs*fatSizeSectors
	root := img[rootSector*testSectorSize : (rootSector+1)*testSectorSize]
	copy(root[0:8], "HELLO   ")
	copy(root[8:11], "TXT")
	root[11] = 0x20 // archive attribute, not a directory
	binary.LittleEndian.PutUint16(root[20:], 0)      // cluster hi
	binary.LittleEndian.PutUint16(root[26:], 3)      // cluster lo
	binary.LittleEndian.PutUint32(root[28:], uint32(len(fileData)))

	dataSector := rootSector + sectorsPerCluster
	copy(img[dataSector*testSectorSize:], fileData)

	return img
}

func testReader(t *testing.T, img []byte) *Reader {
	t.Helper()
	arena := pmm.NewArena(mem.Size(256 * mem.PGSIZE))
	alloc := pmm.NewAllocator(arena, 1, nil)
	dev := NewMemDevice("ram0", testSectorSize, img, arena)
	r, err := OpenReader(dev, alloc, defs.Cpu_t(0))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	return r
}

func TestOpenReaderRejectsMissingSignature(t *testing.T) {
	img := buildImage(t, []byte("hello world\n"))
	img[510] = 0 // corrupt the 0x55 0xaa signature
	arena := pmm.NewArena(mem.Size(256 * mem.PGSIZE))
	alloc := pmm.NewAllocator(arena, 1, nil)
	dev := NewMemDevice("ram0", testSectorSize, img, arena)
	if _, err := OpenReader(dev, alloc, defs.Cpu_t(0)); err == nil {
		t.Fatal("expected error for missing boot signature")
	}
}

func TestReadDirFindsShortNameEntry(t *testing.T) {
	content := []byte("hello world\n")
	r := testReader(t, buildImage(t, content))

	entries, err := r.ReadDir(r.bpb.RootCluster())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Name != "HELLO.TXT" {
		t.Fatalf("expected HELLO.TXT, got %q", e.Name)
	}
	if e.IsDir {
		t.Fatal("expected a regular file, not a directory")
	}
	if e.Size != len(content) {
		t.Fatalf("expected size %d, got %d", len(content), e.Size)
	}
	if e.Cluster != 3 {
		t.Fatalf("expected cluster 3, got %d", e.Cluster)
	}
}

func TestReadFileAgainstRealFileBackedDevice(t *testing.T) {
	content := []byte("hello from a real file\n")
	img := buildImage(t, content)

	path := filepath.Join(t.TempDir(), "fat32.img")
	if err := os.WriteFile(path, img, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	arena := pmm.NewArena(mem.Size(256 * mem.PGSIZE))
	alloc := pmm.NewAllocator(arena, 1, nil)
	dev, err := NewFileDevice("disk0", testSectorSize, path, arena)
	if err != nil {
		t.Fatalf("NewFileDevice: %v", err)
	}
	defer dev.(*fileDevice).Close()

	r, err := OpenReader(dev, alloc, defs.Cpu_t(0))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	entries, err := r.ReadDir(r.bpb.RootCluster())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "HELLO.TXT" {
		t.Fatalf("expected HELLO.TXT, got %v", entries)
	}
	got, err := r.ReadFile(entries[0].Cluster, entries[0].Size)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("expected %q, got %q", content, got)
	}
}

func TestReadFileReturnsExactContent(t *testing.T) {
	content := []byte("hello world\n")
	r := testReader(t, buildImage(t, content))

	entries, err := r.ReadDir(r.bpb.RootCluster())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	got, err := r.ReadFile(entries[0].Cluster, entries[0].Size)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("expected %q, got %q", content, got)
	}
}
