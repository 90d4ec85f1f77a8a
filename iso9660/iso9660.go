// Package iso9660 reads the directory structure of unmounted ISO9660 images.
//
// Only directory metadata is ever parsed; file bodies are addressed as
// (offset, length) byte ranges inside the image so callers can stream them
// straight off the backing file.
package iso9660

import (
	"errors"
	"fmt"
	"os"
)

const (
	// SectorSize is the ISO9660 logical sector size. The format allows other
	// block sizes in theory; every installer image in the wild uses 2048.
	SectorSize = 2048

	volumeDescriptorStart = 16 // first volume descriptor sector
	volumeDescriptorMax   = 64 // give up scanning after this many sectors

	vdTypePrimary    = 1
	vdTypeTerminator = 255

	standardIdentifier = "CD001"

	// A directory extent larger than this is corruption, not a real listing.
	maxDirectoryExtent = 8 * 1024 * 1024
)

var (
	// ErrNotFound means a path component does not exist in the image.
	ErrNotFound = errors.New("iso9660: path not found in image")

	// ErrMalformed means the volume or a directory record failed a
	// consistency check. Never worth retrying.
	ErrMalformed = errors.New("iso9660: malformed image")

	// ErrBadPath means the requested path contains traversal or otherwise
	// unusable components. Rejected before any lookup happens.
	ErrBadPath = errors.New("iso9660: invalid path")
)

// Image is an ISO9660 image opened for directory lookups. It owns a single
// read handle and is meant to live for one request; it must not be shared
// across concurrently running operations.
type Image struct {
	file *os.File
	path string
	size int64

	root extent
}

// extent is a located byte range inside the image.
type extent struct {
	offset uint64
	length uint64
	isDir  bool
}

// OpenImage opens the image at path and reads its volume descriptor set.
func OpenImage(path string) (img *Image, err error) {
	var file *os.File
	if file, err = os.Open(path); err != nil {
		return
	}

	var stat os.FileInfo
	if stat, err = file.Stat(); err != nil {
		file.Close()
		return
	}

	img = &Image{
		file: file,
		path: path,
		size: stat.Size(),
	}

	if img.root, err = img.readVolumeDescriptors(); err != nil {
		file.Close()
		img = nil
	}

	return
}

// Path returns the filesystem path the image was opened from.
func (img *Image) Path() string {
	return img.path
}

// Size returns the total size of the image file in bytes.
func (img *Image) Size() int64 {
	return img.size
}

// Close releases the underlying file handle.
func (img *Image) Close() error {
	return img.file.Close()
}

// readVolumeDescriptors scans the volume descriptor set for the primary
// descriptor and returns the root directory extent.
func (img *Image) readVolumeDescriptors() (root extent, err error) {
	var sector []byte = make([]byte, SectorSize)

	for n := volumeDescriptorStart; n < volumeDescriptorStart+volumeDescriptorMax; n++ {
		if err = img.readAt(sector, uint64(n)*SectorSize); err != nil {
			err = fmt.Errorf("%w: volume descriptor %d unreadable: %v", ErrMalformed, n, err)
			return
		}

		if string(sector[1:6]) != standardIdentifier {
			err = fmt.Errorf("%w: bad standard identifier in descriptor %d", ErrMalformed, n)
			return
		}

		switch sector[0] {
		case vdTypePrimary:
			return parsePrimaryDescriptor(sector)
		case vdTypeTerminator:
			err = fmt.Errorf("%w: no primary volume descriptor", ErrMalformed)
			return
		}
	}

	err = fmt.Errorf("%w: volume descriptor set not terminated", ErrMalformed)
	return
}

// parsePrimaryDescriptor validates the primary volume descriptor and pulls
// out the root directory record.
func parsePrimaryDescriptor(sector []byte) (root extent, err error) {
	var blockSize uint16
	if blockSize, err = bothUint16(sector[128:132]); err != nil {
		return
	}

	if blockSize != SectorSize {
		err = fmt.Errorf("%w: unsupported logical block size %d", ErrMalformed, blockSize)
		return
	}

	var rec *record
	if rec, _, err = parseRecord(sector[156:190]); err != nil {
		return
	}

	if rec == nil || !rec.isDir {
		err = fmt.Errorf("%w: root directory record missing", ErrMalformed)
		return
	}

	root = extent{
		offset: uint64(rec.extentLBA) * SectorSize,
		length: uint64(rec.dataLength),
		isDir:  true,
	}

	return
}

// readAt fills buf from the given byte offset, erroring on short reads.
func (img *Image) readAt(buf []byte, offset uint64) (err error) {
	var n int
	if n, err = img.file.ReadAt(buf, int64(offset)); err != nil {
		return
	}

	if n != len(buf) {
		err = fmt.Errorf("short read at offset %d", offset)
	}

	return
}
