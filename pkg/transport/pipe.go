package transport

import (
	"context"
	"sync"
	"sync/atomic"

	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
)

// pipe is the queueing core shared by both wire protocols: a bounded
// outbound queue drained by one writer goroutine, and an inbound channel fed
// by one reader goroutine.
type pipe struct {
	kind   Kind
	target string

	out  chan []byte
	in   chan []byte
	done chan struct{}

	// wrap frames an outbound envelope for the wire. Nil sends it as is.
	wrap func([]byte) ([]byte, error)
	// closer releases the underlying socket. Called once.
	closer func() error

	closed atomic.Bool
	mu     sync.Mutex
	err    error
	wg     sync.WaitGroup
}

func newPipe(kind Kind, target string, queue int) *pipe {
	if queue <= 0 {
		queue = 64
	}
	return &pipe{
		kind:   kind,
		target: target,
		out:    make(chan []byte, queue),
		in:     make(chan []byte, queue),
		done:   make(chan struct{}),
	}
}

func (p *pipe) Kind() Kind            { return p.kind }
func (p *pipe) Target() string        { return p.target }
func (p *pipe) Done() <-chan struct{} { return p.done }

func (p *pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pipe) Send(msg []byte) error {
	if p.wrap != nil {
		framed, err := p.wrap(msg)
		if err != nil {
			return err
		}
		msg = framed
	}
	return p.enqueue(msg)
}

// enqueue places an already-framed message on the outbound queue.
func (p *pipe) enqueue(frame []byte) error {
	select {
	case <-p.done:
		if err := p.Err(); err != nil {
			return err
		}
		return ErrClosed
	default:
	}
	select {
	case p.out <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *pipe) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			if err := p.Err(); err != nil {
				return nil, err
			}
			return nil, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipe) Close() error {
	err := p.shutdown(ErrClosed)
	p.wg.Wait()
	return err
}

// fail ends the connection because of a remote or I/O problem.
func (p *pipe) fail(cause error) {
	_ = p.shutdown(bkerrors.Wrap(cause, bkerrors.ErrCodeTransportClosed, string(p.kind)+" transport closed").
		WithContext("target", p.target))
}

func (p *pipe) shutdown(reason error) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	p.err = reason
	p.mu.Unlock()
	close(p.done)
	if p.closer != nil {
		return p.closer()
	}
	return nil
}

// deliver hands an inbound message to Receive. It reports false once the
// pipe has shut down.
func (p *pipe) deliver(msg []byte) bool {
	select {
	case p.in <- msg:
		return true
	case <-p.done:
		return false
	}
}

// start launches the reader and writer. read must return an error once the
// socket is closed; read's goroutine owns p.in and closes it on exit.
func (p *pipe) start(read func() error, write func([]byte) error, extra ...func()) {
	p.wg.Add(2 + len(extra))
	go func() {
		defer p.wg.Done()
		defer close(p.in)
		if err := read(); err != nil {
			p.fail(err)
		}
	}()
	go func() {
		defer p.wg.Done()
		for {
			select {
			case frame := <-p.out:
				if err := write(frame); err != nil {
					p.fail(err)
					return
				}
			case <-p.done:
				return
			}
		}
	}()
	for _, fn := range extra {
		go func() {
			defer p.wg.Done()
			fn()
		}()
	}
}
