// In-process transport: a pair of in-memory byte-frame channels replacing
// the socket halves, used by this repo's test suite to exercise the full
// broker core without a real listening socket.
package transport

import (
	"errors"
	"io"
	"sync"
)

// pipeConn is a Conn backed by an in-memory byte pipe in each direction.
type pipeConn struct {
	r *io.PipeReader
	w *io.PipeWriter

	closeOnce sync.Once
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipeConn) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = errors.Join(p.r.Close(), p.w.Close())
	})
	return err
}

// NewInProcessPair returns two connected Conns: writes to one are readable
// from the other, in both directions, with no real socket involved.
func NewInProcessPair() (Conn, Conn) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	a := &pipeConn{r: r1, w: w2}
	b := &pipeConn{r: r2, w: w1}
	return a, b
}
