package iso9660

import (
	"fmt"
	"strings"
)

// Locate resolves a slash-separated path inside the image to the byte range
// holding the file's data. Matching is case-insensitive and ignores the
// ";version" identifier suffix. Only directory metadata is read.
func (img *Image) Locate(path string) (offset, length uint64, err error) {
	var components []string
	if components, err = splitPath(path); err != nil {
		return
	}

	var current extent = img.root
	for i, component := range components {
		if !current.isDir {
			err = fmt.Errorf("%w: %s", ErrNotFound, path)
			return
		}

		if current, err = img.findInDir(current, component); err != nil {
			err = fmt.Errorf("component %q of %q: %w", component, path, err)
			return
		}

		if i == len(components)-1 && current.isDir {
			// Target must be a file; a directory has no streamable body.
			err = fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
			return
		}
	}

	offset = current.offset
	length = current.length
	return
}

// splitPath validates and splits a slash-separated path. Traversal
// components are rejected here, before any image data is touched.
func splitPath(path string) (components []string, err error) {
	for _, component := range strings.Split(strings.Trim(path, "/"), "/") {
		switch component {
		case "", ".":
			continue
		case "..":
			err = fmt.Errorf("%w: traversal component in %q", ErrBadPath, path)
			return
		}

		if strings.ContainsAny(component, "\x00\\") {
			err = fmt.Errorf("%w: unusable component in %q", ErrBadPath, path)
			return
		}

		components = append(components, component)
	}

	if len(components) == 0 {
		err = fmt.Errorf("%w: empty path", ErrBadPath)
	}

	return
}

// findInDir scans one directory extent for the named entry. The first
// record whose normalized identifier matches wins; duplicate names at the
// same level resolve to the earliest record.
func (img *Image) findInDir(dir extent, name string) (found extent, err error) {
	if dir.length > maxDirectoryExtent {
		err = fmt.Errorf("%w: directory extent of %d bytes", ErrMalformed, dir.length)
		return
	}

	var data []byte = make([]byte, dir.length)
	if err = img.readAt(data, dir.offset); err != nil {
		err = fmt.Errorf("%w: directory extent unreadable: %v", ErrMalformed, err)
		return
	}

	var want string = normalizeName(name)
	var pos int

	for pos < len(data) {
		var (
			rec  *record
			size int
		)

		if rec, size, err = parseRecord(data[pos:]); err != nil {
			return
		}

		if rec == nil {
			// Sector padding; continue at the next sector boundary.
			pos = (pos/SectorSize + 1) * SectorSize
			continue
		}

		pos += size

		var id string = normalizeName(rec.identifier)
		if id == "." || id == ".." {
			continue
		}

		if id != want {
			continue
		}

		found = extent{
			offset: uint64(rec.extentLBA) * SectorSize,
			length: uint64(rec.dataLength),
			isDir:  rec.isDir,
		}

		if rec.multiMore {
			err = img.extendMultiExtent(&found, data, pos, id)
		}

		return
	}

	err = ErrNotFound
	return
}

// extendMultiExtent follows the continuation records of a multi-extent file,
// accumulating their lengths. Continuations must be sector-contiguous with
// what came before: a single (offset, length) range is the contract here,
// and non-adjacent extents cannot honor it.
func (img *Image) extendMultiExtent(found *extent, data []byte, pos int, id string) (err error) {
	for {
		var (
			rec  *record
			size int
		)

		if rec, size, err = parseRecord(data[pos:]); err != nil {
			return
		}

		if rec == nil {
			pos = (pos/SectorSize + 1) * SectorSize
			if pos >= len(data) {
				err = fmt.Errorf("%w: multi-extent record without continuation", ErrMalformed)
				return
			}
			continue
		}

		pos += size

		if normalizeName(rec.identifier) != id {
			err = fmt.Errorf("%w: multi-extent continuation names %q, want %q", ErrMalformed, rec.identifier, id)
			return
		}

		var expected uint64 = found.offset + sectorAlign(found.length)
		if uint64(rec.extentLBA)*SectorSize != expected {
			err = fmt.Errorf("%w: non-contiguous multi-extent file", ErrMalformed)
			return
		}

		found.length += uint64(rec.dataLength)

		if !rec.multiMore {
			return
		}
	}
}

// sectorAlign rounds n up to the next sector boundary.
func sectorAlign(n uint64) uint64 {
	return (n + SectorSize - 1) / SectorSize * SectorSize
}
