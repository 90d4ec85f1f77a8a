package content

import (
	"fmt"
	"io"
	"os"
)

// EmbeddedFile is a byte range inside an ISO image, located by the
// resolver before streaming begins. Open seeks nothing and reads nothing;
// it hands back a section reader over a freshly opened handle so the
// pipeline's reading goroutine owns it outright.
type EmbeddedFile struct {
	ImagePath string
	InnerPath string
	Offset    uint64
	ByteLen   uint64
}

func (s EmbeddedFile) Length() int64 {
	return int64(s.ByteLen)
}

func (s EmbeddedFile) Open() (rc io.ReadCloser, err error) {
	var file *os.File
	if file, err = os.Open(s.ImagePath); err != nil {
		return
	}

	rc = &sectionReader{
		file:          file,
		SectionReader: io.NewSectionReader(file, int64(s.Offset), int64(s.ByteLen)),
	}

	return
}

func (s EmbeddedFile) Describe() string {
	return fmt.Sprintf("%s!%s", s.ImagePath, s.InnerPath)
}

// WholeImage is an entire ISO image, sized by filesystem metadata.
type WholeImage struct {
	ImagePath string
	ByteLen   int64
}

func (s WholeImage) Length() int64 {
	return s.ByteLen
}

func (s WholeImage) Open() (io.ReadCloser, error) {
	return os.Open(s.ImagePath)
}

func (s WholeImage) Describe() string {
	return s.ImagePath
}

// LocalFile is a flat file under the library directory.
type LocalFile struct {
	Path    string
	ByteLen int64
}

func (s LocalFile) Length() int64 {
	return s.ByteLen
}

func (s LocalFile) Open() (io.ReadCloser, error) {
	return os.Open(s.Path)
}

func (s LocalFile) Describe() string {
	return s.Path
}

// sectionReader closes the backing file when the section is done.
type sectionReader struct {
	file *os.File
	*io.SectionReader
}

func (r *sectionReader) Close() error {
	return r.file.Close()
}
