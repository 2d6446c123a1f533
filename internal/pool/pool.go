package pool

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
)

const (
	dialRetries   = 3
	dialRetryWait = 100 * time.Millisecond
)

type PooledConn struct {
	Conn     net.Conn
	lastUsed time.Time
}

// Pool keeps a bounded set of idle connections to a single backend server.
// Connections handed out by Get stay counted as open until they come back
// through Put or are discarded; the count backs the current_connections
// column of SHOW DATABASES.
type Pool struct {
	address        string
	connections    chan *PooledConn
	maxSize        int
	idleTimeout    time.Duration
	connectTimeout time.Duration

	open   atomic.Int64
	closed atomic.Bool
	quit   chan struct{}
	mu     sync.Mutex
}

func NewPool(address string, maxSize int, idleTimeout, connectTimeout time.Duration) *Pool {
	p := &Pool{
		address:        address,
		maxSize:        maxSize,
		idleTimeout:    idleTimeout,
		connectTimeout: connectTimeout,
		connections:    make(chan *PooledConn, maxSize),
		quit:           make(chan struct{}),
	}

	for i := 0; i < maxSize/2; i++ {
		conn, err := p.createConn()
		if err != nil {
			break
		}
		p.connections <- &PooledConn{Conn: conn, lastUsed: time.Now()}
	}

	go p.cleanupIdleConnections()

	return p
}

// Address returns the backend address the pool dials.
func (p *Pool) Address() string {
	return p.address
}

// OpenConnections returns the number of backend connections currently open,
// both idle in the pool and checked out. Best-effort: a concurrent open or
// close may make the value one update stale.
func (p *Pool) OpenConnections() int {
	return int(p.open.Load())
}

func (p *Pool) createConn() (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < dialRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(dialRetryWait)
		}
		conn, err := net.DialTimeout("tcp", p.address, p.connectTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		p.open.Add(1)
		return conn, nil
	}
	return nil, trace.Wrap(lastErr, "dialing %s", p.address)
}

func (p *Pool) discard(conn net.Conn) {
	conn.Close()
	p.open.Add(-1)
}

func (p *Pool) Get() (net.Conn, error) {
	select {
	case pooled := <-p.connections:
		if !p.isConnAlive(pooled.Conn) {
			p.discard(pooled.Conn)
			return p.createConn()
		}
		pooled.lastUsed = time.Now()
		return pooled.Conn, nil
	default:
		return p.createConn()
	}
}

func (p *Pool) Put(conn net.Conn) {
	if conn == nil {
		return
	}
	if p.closed.Load() {
		p.discard(conn)
		return
	}

	pooled := &PooledConn{Conn: conn, lastUsed: time.Now()}

	select {
	case p.connections <- pooled:
	default:
		p.discard(conn)
	}
}

func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.quit)

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		select {
		case pooled := <-p.connections:
			p.discard(pooled.Conn)
		default:
			return
		}
	}
}

func (p *Pool) isConnAlive(conn net.Conn) bool {
	if conn == nil {
		return false
	}
	// A live idle connection has nothing to read, so the probe times out.
	// Unsolicited data or a hard error means the backend hung up or desynced.
	_ = conn.SetReadDeadline(time.Now().Add(1 * time.Millisecond))
	var b [1]byte
	_, err := conn.Read(b[:])
	_ = conn.SetReadDeadline(time.Time{})
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (p *Pool) cleanupIdleConnections() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
		}

		n := len(p.connections)
		for i := 0; i < n; i++ {
			select {
			case pooled := <-p.connections:
				if time.Since(pooled.lastUsed) > p.idleTimeout {
					p.discard(pooled.Conn)
					continue
				}
				select {
				case p.connections <- pooled:
				default:
					p.discard(pooled.Conn)
				}
			default:
			}
		}
	}
}
