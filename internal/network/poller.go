package network

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/1ureka/peermesh/internal/conntable"
)

// ReadBufferSize is the size of a single read. A message larger than this,
// or two messages arriving together, are not reassembled.
const ReadBufferSize = 256

// readiness is what a watcher goroutine reports to the loop. A zero id
// belongs to the listening socket: accepted is set on success, err otherwise.
type readiness struct {
	id       conntable.ConnID
	accepted net.Conn
	data     []byte
	err      error
}

// poller turns blocking reads into readiness reports on a single channel so
// that one loop goroutine can own the connection table.
type poller struct {
	ready chan readiness
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex // orders wg.Add against close
	closed bool
}

func newPoller() *poller {
	return &poller{
		ready: make(chan readiness, 64),
		done:  make(chan struct{}),
	}
}

func (p *poller) report(r readiness) bool {
	select {
	case p.ready <- r:
		return true
	case <-p.done:
		return false
	}
}

// add registers a watcher unless the poller is closing.
func (p *poller) add() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	return true
}

// watchConn reads fixed-size chunks from conn until it fails. The error that
// ends the reader is reported last. It returns false once the poller is
// closing, in which case conn is not watched.
func (p *poller) watchConn(id conntable.ConnID, conn net.Conn) bool {
	if !p.add() {
		return false
	}
	go func() {
		defer p.wg.Done()
		for {
			buf := make([]byte, ReadBufferSize)
			n, err := conn.Read(buf)
			if n > 0 {
				if !p.report(readiness{id: id, data: buf[:n]}) {
					return
				}
			}
			if err != nil {
				p.report(readiness{id: id, err: err})
				return
			}
		}
	}()
	return true
}

// watchListener reports every accepted connection, then the accept error that
// ends the goroutine.
func (p *poller) watchListener(ln net.Listener) bool {
	if !p.add() {
		return false
	}
	go func() {
		defer p.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				p.report(readiness{err: err})
				return
			}
			if !p.report(readiness{accepted: conn}) {
				conn.Close()
				return
			}
		}
	}()
	return true
}

// wait blocks until at least one report arrives or timeout elapses, then
// drains whatever else is already queued.
func (p *poller) wait(ctx context.Context, timeout time.Duration) []readiness {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var batch []readiness
	select {
	case r := <-p.ready:
		batch = append(batch, r)
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return nil
	case <-p.done:
		return nil
	}

	for {
		select {
		case r := <-p.ready:
			batch = append(batch, r)
		default:
			return batch
		}
	}
}

// close releases watchers blocked on report and waits for all of them. The
// caller must have closed the watched sockets first.
func (p *poller) close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// isDisconnect reports whether a read error means the peer went away rather
// than something the process cannot recover from.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, net.ErrClosed)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
