package content

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/twdamhore/serabut/iso9660"
	"github.com/twdamhore/serabut/stream"
	"github.com/z46-dev/go-logger"
)

// Resolver turns content requests into descriptors. Every descriptor comes
// back fully sized: the HTTP layer relies on TotalLength being exact before
// the first byte goes out.
type Resolver struct {
	log        *logger.Logger
	tables     *Tables
	libraryDir string
}

// NewResolver builds a resolver over the given tables and library dir.
func NewResolver(tables *Tables, libraryDir string) *Resolver {
	return &Resolver{
		log:        logger.NewLogger().SetPrefix("[CONTENT]", logger.BoldBlue).IncludeTimestamp(),
		tables:     tables,
		libraryDir: libraryDir,
	}
}

// Embedded resolves a file inside an aliased image to a one-segment
// descriptor. The image is opened only long enough to size and locate the
// inner path; streaming re-opens it inside the pipeline's reader.
func (r *Resolver) Embedded(alias, inner string) (desc *stream.Descriptor, err error) {
	var snapshot *Snapshot = r.tables.Snapshot()

	entry, ok := snapshot.Aliases[alias]
	if !ok {
		err = fmt.Errorf("%w: unknown alias %q", ErrNotFound, alias)
		return
	}

	var segment stream.Segment
	if segment, err = r.locateEmbedded(entry.Filename, inner); err != nil {
		return
	}

	desc = stream.NewDescriptor(segment)
	return
}

// Composite resolves a named composite to an ordered multi-segment
// descriptor, sizing every source up front.
func (r *Resolver) Composite(name string) (desc *stream.Descriptor, err error) {
	var snapshot *Snapshot = r.tables.Snapshot()

	composite, ok := snapshot.Composites[name]
	if !ok {
		err = fmt.Errorf("%w: unknown composite %q", ErrNotFound, name)
		return
	}

	var segments []stream.Segment = make([]stream.Segment, 0, len(composite.Sources))
	for _, source := range composite.Sources {
		var segment stream.Segment

		if source.File != "" {
			if segment, err = r.localFile(name, source.File); err != nil {
				return
			}
		} else {
			entry, ok := snapshot.Aliases[source.Alias]
			if !ok {
				r.log.Errorf("Composite %q references unknown alias %q\n", name, source.Alias)
				err = fmt.Errorf("%w: composite %q references unknown alias %q", ErrConfig, name, source.Alias)
				return
			}

			if segment, err = r.locateEmbedded(entry.Filename, source.Inner); err != nil {
				return
			}
		}

		segments = append(segments, segment)
	}

	desc = stream.NewDescriptor(segments...)
	return
}

// Raw resolves a whole-image request. The alias must carry the
// downloadable marker and the requested filename must match the alias's
// configured one; the refusal happens before the image is ever opened.
func (r *Resolver) Raw(alias, filename string) (desc *stream.Descriptor, err error) {
	var snapshot *Snapshot = r.tables.Snapshot()

	entry, ok := snapshot.Aliases[alias]
	if !ok {
		err = fmt.Errorf("%w: unknown alias %q", ErrNotFound, alias)
		return
	}

	if !entry.Downloadable {
		err = fmt.Errorf("%w: alias %q", ErrForbidden, alias)
		return
	}

	if filename != entry.Filename {
		err = fmt.Errorf("%w: alias %q serves %q, not %q", ErrNotFound, alias, entry.Filename, filename)
		return
	}

	var imagePath string = filepath.Join(r.libraryDir, entry.Filename)

	var stat os.FileInfo
	if stat, err = os.Stat(imagePath); err != nil {
		r.log.Errorf("Alias %q references missing image %s\n", alias, imagePath)
		err = fmt.Errorf("%w: alias %q image %s: %v", ErrConfig, alias, entry.Filename, err)
		return
	}

	desc = stream.NewDescriptor(WholeImage{ImagePath: imagePath, ByteLen: stat.Size()})
	return
}

// locateEmbedded opens the named image, resolves the inner path to its
// byte range, and closes the image again. The handle opened here never
// reaches the streaming side.
func (r *Resolver) locateEmbedded(filename, inner string) (segment stream.Segment, err error) {
	var imagePath string = filepath.Join(r.libraryDir, filename)

	var img *iso9660.Image
	if img, err = iso9660.OpenImage(imagePath); err != nil {
		if os.IsNotExist(err) {
			r.log.Errorf("Alias table references missing image %s\n", imagePath)
			err = fmt.Errorf("%w: image %s: %v", ErrConfig, filename, err)
		}
		return
	}

	defer img.Close()

	var offset, length uint64
	if offset, length, err = img.Locate(inner); err != nil {
		if errors.Is(err, iso9660.ErrNotFound) || errors.Is(err, iso9660.ErrBadPath) {
			err = fmt.Errorf("%w: %s in %s: %v", ErrNotFound, inner, filename, err)
		}
		return
	}

	segment = EmbeddedFile{
		ImagePath: imagePath,
		InnerPath: inner,
		Offset:    offset,
		ByteLen:   length,
	}

	return
}

// localFile sizes a flat file under the library directory. Escaping the
// library root is rejected outright.
func (r *Resolver) localFile(composite, relative string) (segment stream.Segment, err error) {
	if !filepath.IsLocal(filepath.FromSlash(relative)) {
		err = fmt.Errorf("%w: composite %q source %q escapes the library", ErrConfig, composite, relative)
		return
	}

	var path string = filepath.Join(r.libraryDir, filepath.FromSlash(relative))

	var stat os.FileInfo
	if stat, err = os.Stat(path); err != nil {
		r.log.Errorf("Composite %q references missing file %s\n", composite, path)
		err = fmt.Errorf("%w: composite %q file %s: %v", ErrConfig, composite, relative, err)
		return
	}

	segment = LocalFile{Path: path, ByteLen: stat.Size()}
	return
}
