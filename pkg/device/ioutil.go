package device

import (
	"errors"
	"io"
)

// zeroesReader is an infinite reader of zero bytes, used to pad
// partially-written blocks and sparse regions without allocating a new
// zero buffer every time.
type zeroesReader struct{}

func (*zeroesReader) Read(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	p[0] = 0
	for bp := 1; bp < len(p); bp *= 2 {
		copy(p[bp:], p[:bp])
	}
	return len(p), nil
}

// Zeroes is a shared io.Reader that always yields zero bytes, used by the
// ext/FAT/NTFS formatters to pad blocks out to their full size.
var Zeroes = io.Reader(&zeroesReader{})

// writeSeeker adapts a plain io.Writer into an io.WriteSeeker by tracking a
// virtual cursor and synthesizing forward seeks as zero-fill writes. This
// lets a formatter written against io.WriteSeeker also target a streaming
// destination (e.g. a pipe) that can't seek backwards, as long as the
// formatter itself never seeks backwards either.
type writeSeeker struct {
	w io.Writer
	s io.Seeker
	k int64
}

func (ws *writeSeeker) Write(p []byte) (n int, err error) {
	n, err = ws.w.Write(p)
	if ws.s == nil {
		ws.k += int64(n)
	}
	return
}

func (ws *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekCurrent:
		if ws.s == nil {
			if offset < 0 {
				return 0, errors.New("device: streaming writer cannot seek backwards")
			}
			k, err := io.CopyN(ws.w, Zeroes, offset)
			ws.k += k
			return ws.k, err
		}
		return ws.s.Seek(offset, whence)
	case io.SeekStart:
		if ws.s == nil {
			return ws.Seek(offset-ws.k, io.SeekCurrent)
		}
		n, err := ws.s.Seek(offset+ws.k, whence)
		return n - ws.k, err
	case io.SeekEnd:
		return 0, errors.New("device: streaming writer doesn't support io.SeekEnd")
	default:
		return 0, errors.New("device: invalid whence")
	}
}

// WriteSeeker wraps w in an io.WriteSeeker, using w's own Seek method when
// available and falling back to the zero-fill emulation above otherwise.
func WriteSeeker(w io.Writer) (io.WriteSeeker, error) {
	ws := &writeSeeker{w: w}
	if s, ok := w.(io.Seeker); ok {
		ws.s = s
		k, err := s.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}
		ws.k = k
	}
	return ws, nil
}
