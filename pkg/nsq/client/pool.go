package client

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/AutoMQ/nsq-client/pkg/nsq/address"
)

// connPool caches connections to data nodes, at most size per node.
type connPool struct {
	e    *Engine
	size int

	mu      sync.Mutex
	conns   map[address.Address][]*Conn
	dialing map[address.Address]*dialCall // currently in-flight dials
	next    int
	closed  bool
}

func newConnPool(e *Engine) *connPool {
	size := e.cfg.ConnectionPoolSize
	if size <= 0 {
		size = 1
	}
	return &connPool{
		e:       e,
		size:    size,
		conns:   make(map[address.Address][]*Conn),
		dialing: make(map[address.Address]*dialCall),
	}
}

// getConn returns a connection to addr, creating one if there are fewer than size.
func (p *connPool) getConn(ctx context.Context, addr address.Address) (*Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if conns := p.conns[addr]; len(conns) >= p.size {
			p.next++
			cc := conns[p.next%len(conns)]
			p.mu.Unlock()
			return cc, nil
		}
		call := p.getStartDialLocked(addr)
		p.mu.Unlock()

		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if call.err != nil {
			return nil, call.err
		}
		if p.size == 1 && !call.res.isClosed() {
			return call.res, nil
		}
	}
}

// ensure starts a dial to addr if there is no connection to it. It does not wait.
func (p *connPool) ensure(addr address.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || len(p.conns[addr]) > 0 {
		return
	}
	p.getStartDialLocked(addr)
}

func (p *connPool) getStartDialLocked(addr address.Address) *dialCall {
	if call, ok := p.dialing[addr]; ok {
		// A dial is already in-flight. Don't start another.
		return call
	}
	call := &dialCall{p: p, done: make(chan struct{})}
	p.dialing[addr] = call
	p.e.wg.Add(1)
	go call.dial(addr)
	return call
}

// remove drops cc from the pool. It reports whether cc was in the pool.
func (p *connPool) remove(cc *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	conns := p.conns[cc.addr]
	for i, v := range conns {
		if v != cc {
			continue
		}
		conns = append(conns[:i:i], conns[i+1:]...)
		if len(conns) == 0 {
			delete(p.conns, cc.addr)
		} else {
			p.conns[cc.addr] = conns
		}
		return true
	}
	return false
}

// closeAddr drops all connections to addr from the pool and closes them asynchronously.
// It returns the number of connections dropped.
func (p *connPool) closeAddr(addr address.Address) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	conns := p.conns[addr]
	delete(p.conns, addr)
	if len(conns) == 0 {
		return 0
	}

	p.e.wg.Add(1)
	go func() {
		defer p.e.wg.Done()
		for _, cc := range conns {
			_ = cc.Close()
		}
	}()
	return len(conns)
}

// all returns all pooled connections.
func (p *connPool) all() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	var res []*Conn
	for _, conns := range p.conns {
		res = append(res, conns...)
	}
	return res
}

// addrs returns the addresses with at least one connection.
func (p *connPool) addrs() []address.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := make([]address.Address, 0, len(p.conns))
	for addr := range p.conns {
		res = append(res, addr)
	}
	return res
}

// close closes all connections. Connections dialed afterwards are closed right away.
func (p *connPool) close() error {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = make(map[address.Address][]*Conn)
	p.mu.Unlock()

	var err error
	for _, cs := range conns {
		for _, cc := range cs {
			err = multierr.Append(err, cc.Close())
		}
	}
	return err
}

// dialCall is an in-flight dial to a data node.
type dialCall struct {
	_    incomparable
	p    *connPool
	done chan struct{} // closed when done
	res  *Conn         // valid after done is closed
	err  error         // valid after done is closed
}

// run in its own goroutine.
func (c *dialCall) dial(addr address.Address) {
	e := c.p.e
	defer e.wg.Done()
	defer close(c.done)

	c.res, c.err = e.dialConn(e.ctx, addr)

	c.p.mu.Lock()
	delete(c.p.dialing, addr)
	if c.err == nil {
		if c.p.closed {
			_ = c.res.nc.Close()
			c.res, c.err = nil, ErrClosed
		} else {
			c.p.conns[addr] = append(c.p.conns[addr], c.res)
			e.metrics.connections.Inc()
			c.res.start()
		}
	}
	c.p.mu.Unlock()

	if c.err != nil {
		e.lg.Warn("failed to connect to data node", zap.String("data-node", addr.String()), zap.Error(c.err))
		return
	}
	e.onConnReady(c.res)
}

// incomparable is a zero-width, non-comparable type. Adding it to a struct
// makes that struct also non-comparable, and generally doesn't add
// any size (as long as it's first).
type incomparable [0]func()
