package mcpclient

import (
	"context"
	"errors"
	"sync"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcperr"
)

// pipe is one end of an in-memory Conn. Frames sent on one end arrive on
// the other; closing an end fails its peer with a transport error.
type pipe struct {
	incoming chan []byte
	done     chan struct{}
	peer     *pipe

	mu  sync.Mutex
	err error
	end sync.Once
}

func newPipe() (*pipe, *pipe) {
	a := &pipe{incoming: make(chan []byte, 64), done: make(chan struct{})}
	b := &pipe{incoming: make(chan []byte, 64), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipe) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.done:
		return mcperr.Transport("write", mcperr.ErrCancelled)
	default:
	}
	select {
	case p.peer.incoming <- append([]byte(nil), msg...):
		return nil
	case <-p.peer.done:
		return mcperr.Transport("write", errors.New("peer closed"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipe) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.incoming:
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		select {
		case frame := <-p.incoming:
			return frame, nil
		default:
		}
		if err := p.Err(); err != nil {
			return nil, err
		}
		return nil, mcperr.Transport("read", mcperr.ErrCancelled)
	}
}

func (p *pipe) Done() <-chan struct{} { return p.done }

func (p *pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pipe) finish(err error) {
	p.end.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *pipe) Close() error {
	p.finish(nil)
	p.peer.finish(mcperr.Transport("read", errors.New("peer closed")))
	return nil
}
