// Package stream executes content descriptors as bounded, ordered chunk
// streams. Memory per request is capped by the chunk queue regardless of
// how large the content is or how slowly the consumer drains it.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/z46-dev/go-logger"
	"golang.org/x/sync/semaphore"
)

// Segment is one content source inside a descriptor. Length must be known
// without reading the body. Open is only ever called from the pipeline's
// reading goroutine, so implementations get a fresh handle owned by the
// executor that will use it.
type Segment interface {
	Length() int64
	Open() (io.ReadCloser, error)
	Describe() string
}

// Descriptor is an ordered list of segments with its exact total size,
// computed before any byte is streamed.
type Descriptor struct {
	Segments    []Segment
	TotalLength int64
}

// NewDescriptor sums the segment lengths into a descriptor.
func NewDescriptor(segments ...Segment) (desc *Descriptor) {
	desc = &Descriptor{Segments: segments}
	for _, segment := range segments {
		desc.TotalLength += segment.Length()
	}

	return
}

var errClosed = errors.New("stream: closed by consumer")

// Pipeline streams descriptors through a bounded pool of blocking readers.
type Pipeline struct {
	log       *logger.Logger
	chunkSize int64
	queueCap  int
	readers   *semaphore.Weighted
}

// NewPipeline builds a pipeline. chunkSize is the fixed read size in bytes,
// queueCap the per-request chunk queue capacity, maxReaders the number of
// concurrently active blocking readers across all requests.
func NewPipeline(chunkSize int64, queueCap int, maxReaders int64) *Pipeline {
	return &Pipeline{
		log:       logger.NewLogger().SetPrefix("[STREAM]", logger.BoldCyan).IncludeTimestamp(),
		chunkSize: chunkSize,
		queueCap:  queueCap,
		readers:   semaphore.NewWeighted(maxReaders),
	}
}

// Stream starts reading the descriptor and returns the consuming side.
// Chunks arrive in strict segment order; the reader yields exactly
// desc.TotalLength bytes unless a source misbehaves, in which case the
// error surfaces mid-stream and the connection is torn down by the caller.
// Closing the reader stops the producing goroutine promptly.
func (p *Pipeline) Stream(ctx context.Context, desc *Descriptor) io.ReadCloser {
	ctx, cancel := context.WithCancel(ctx)

	var r *reader = &reader{
		chunks: make(chan []byte, p.queueCap),
		errc:   make(chan error, 1),
		cancel: cancel,
	}

	go p.produce(ctx, desc, r)
	return r
}

// produce reads every segment in order, pushing fixed-size chunks onto the
// bounded queue. It holds one reader-pool slot for the whole transfer,
// which is what bounds concurrently active blocking reads.
func (p *Pipeline) produce(ctx context.Context, desc *Descriptor, r *reader) {
	defer close(r.chunks)

	if err := p.readers.Acquire(ctx, 1); err != nil {
		r.errc <- err
		return
	}
	defer p.readers.Release(1)

	var sent int64
	for _, segment := range desc.Segments {
		n, err := p.copySegment(ctx, segment, r.chunks)
		sent += n

		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.log.Errorf("stream aborted after %d/%d bytes: %v\n", sent, desc.TotalLength, err)
			}
			r.errc <- err
			return
		}
	}

	if sent != desc.TotalLength {
		// Descriptor accounting is computed up front; disagreeing with the
		// bytes actually read is a fault, not a recoverable condition.
		p.log.Errorf("stream emitted %d bytes, descriptor declared %d\n", sent, desc.TotalLength)
		r.errc <- fmt.Errorf("stream: emitted %d bytes, declared %d", sent, desc.TotalLength)
	}
}

// copySegment drains one segment completely. The source handle is opened
// here, inside the reading goroutine, and never escapes it.
func (p *Pipeline) copySegment(ctx context.Context, segment Segment, chunks chan<- []byte) (sent int64, err error) {
	var source io.ReadCloser
	if source, err = segment.Open(); err != nil {
		err = fmt.Errorf("open %s: %w", segment.Describe(), err)
		return
	}

	defer source.Close()

	var remaining int64 = segment.Length()
	for remaining > 0 {
		var size int64 = p.chunkSize
		if remaining < size {
			size = remaining
		}

		var chunk []byte = make([]byte, size)
		if _, err = io.ReadFull(source, chunk); err != nil {
			err = fmt.Errorf("%s ended %d bytes short of its declared length: %w", segment.Describe(), remaining, err)
			return
		}

		select {
		case chunks <- chunk:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}

		remaining -= size
		sent += size
	}

	return
}

// reader is the consuming half of a stream. It implements io.ReadCloser so
// the HTTP layer can hand it straight to the response body; fasthttp calls
// Close when the connection goes away, which cancels the producer.
type reader struct {
	chunks chan []byte
	errc   chan error
	cancel context.CancelFunc

	current []byte
	err     error
}

func (r *reader) Read(p []byte) (n int, err error) {
	if r.err != nil {
		return 0, r.err
	}

	for len(r.current) == 0 {
		chunk, ok := <-r.chunks
		if !ok {
			select {
			case r.err = <-r.errc:
			default:
				r.err = io.EOF
			}
			return 0, r.err
		}

		r.current = chunk
	}

	n = copy(p, r.current)
	r.current = r.current[n:]
	return
}

func (r *reader) Close() error {
	r.cancel()

	if r.err == nil {
		r.err = errClosed
	}

	return nil
}
