package msf

import (
	"io"
)

// Stream represents a single stream within an MSF file.
// Streams are composed of potentially non-contiguous blocks.
type Stream struct {
	msf    *MSF
	size   uint32
	blocks []uint32
}

// Size returns the size of the stream in bytes.
func (s *Stream) Size() uint32 {
	return s.size
}

// Blocks returns the block indices that make up this stream.
func (s *Stream) Blocks() []uint32 {
	return s.blocks
}

// ReadAt implements io.ReaderAt over the stream's logical bytes.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if off >= int64(s.size) {
		return 0, io.EOF
	}

	blockSize := int64(s.msf.superBlock.BlockSize)
	total := 0
	for len(p) > 0 && off < int64(s.size) {
		posInBlock := off % blockSize
		toRead := blockSize - posInBlock
		if rem := int64(s.size) - off; toRead > rem {
			toRead = rem
		}
		if toRead > int64(len(p)) {
			toRead = int64(len(p))
		}

		fileOffset := int64(s.blocks[off/blockSize])*blockSize + posInBlock
		n, err := s.msf.readAt(p[:toRead], fileOffset)
		total += n
		off += int64(n)
		p = p[n:]
		if err != nil && err != io.EOF {
			return total, err
		}
		if int64(n) < toRead {
			return total, io.ErrUnexpectedEOF
		}
	}

	if len(p) > 0 {
		return total, io.EOF
	}
	return total, nil
}

// StreamReader provides sequential read access to a stream's data,
// handling the non-contiguous block layout transparently.
type StreamReader struct {
	stream *Stream
	offset int64 // Current position in the stream
}

// NewStreamReader creates a new reader for the given stream.
func NewStreamReader(s *Stream) *StreamReader {
	return &StreamReader{stream: s}
}

// Read implements io.Reader for streaming data from non-contiguous blocks.
func (sr *StreamReader) Read(p []byte) (int, error) {
	if sr.offset >= int64(sr.stream.size) {
		return 0, io.EOF
	}
	if rem := int64(sr.stream.size) - sr.offset; int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := sr.stream.ReadAt(p, sr.offset)
	sr.offset += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Seek implements io.Seeker.
func (sr *StreamReader) Seek(offset int64, whence int) (int64, error) {
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = sr.offset + offset
	case io.SeekEnd:
		newOffset = int64(sr.stream.size) + offset
	}

	if newOffset < 0 {
		newOffset = 0
	}
	if newOffset > int64(sr.stream.size) {
		newOffset = int64(sr.stream.size)
	}

	sr.offset = newOffset
	return sr.offset, nil
}

// ReadAll reads the entire stream contents into a byte slice.
func (s *Stream) ReadAll() ([]byte, error) {
	data := make([]byte, s.size)
	if len(data) == 0 {
		return data, nil
	}
	if _, err := s.ReadAt(data, 0); err != nil {
		return nil, err
	}
	return data, nil
}

// StreamDirectory represents the directory of all streams in the MSF file.
type StreamDirectory struct {
	NumStreams   uint32
	StreamSizes  []uint32
	StreamBlocks [][]uint32
}
