package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

var errPoolClosed = errors.New("connection pool is closed")

// BindFunc authenticates a freshly dialed connection.
type BindFunc func(ctx context.Context, conn Conn, server *ServerInfo) error

// PooledConnection is a bound directory connection owned by a Pool. Callers borrow
// it, use Conn, and hand it back with Release or Pool.Invalidate.
type PooledConnection struct {
	conn       Conn
	server     *ServerInfo
	created    time.Time
	lastUsed   time.Time
	generation uint64
	pool       *Pool
}

func (pc *PooledConnection) Conn() Conn {
	return pc.conn
}

func (pc *PooledConnection) Server() *ServerInfo {
	return pc.server
}

func (pc *PooledConnection) Created() time.Time {
	return pc.created
}

// Release returns the connection to its pool.
func (pc *PooledConnection) Release() {
	if pc != nil && pc.pool != nil {
		pc.pool.Release(pc)
	}
}

// PoolOptions configures NewPool.
type PoolOptions struct {
	ID                   string
	Pool                 PoolConfig
	Retry                RetryConfig
	Servers              []*ServerInfo
	Dialer               Dialer
	Bind                 BindFunc
	ReadTimeout          time.Duration
	ReturnToPrimary      bool
	PrimaryProbeInterval time.Duration
	Metrics              *Metrics
}

// Pool manages bound connections to an ordered list of directory servers. The
// first server is the primary; the others are failover targets.
type Pool struct {
	ctx         context.Context // logging context
	id          string
	cfg         PoolConfig
	retry       RetryConfig
	dialer      Dialer
	bind        BindFunc
	readTimeout time.Duration
	metrics     *Metrics
	now         func() time.Time

	mu         sync.Mutex
	servers    []*ServerInfo
	active     int
	idle       []*PooledConnection
	inUse      int
	opening    int
	closed     bool
	generation uint64
	changed    chan struct{} // closed and replaced whenever a slot or idle connection frees up

	created   atomic.Int64
	failures  atomic.Int64
	timeouts  atomic.Int64
	exhausted atomic.Int64
	refreshes atomic.Int64
	startTime time.Time

	probeStop chan struct{}
	probeWg   sync.WaitGroup
}

// NewPool creates a pool and opens its initial connections. Failing to open them
// is logged but not fatal; the directory may come up later.
func NewPool(ctx context.Context, opts PoolOptions) (*Pool, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("no directory servers configured")
	}
	if opts.Dialer == nil {
		return nil, errors.New("dialer is required")
	}
	if opts.Bind == nil {
		opts.Bind = func(context.Context, Conn, *ServerInfo) error { return nil }
	}

	p := &Pool{
		ctx:         ctx,
		id:          opts.ID,
		cfg:         opts.Pool,
		retry:       opts.Retry,
		dialer:      opts.Dialer,
		bind:        opts.Bind,
		readTimeout: opts.ReadTimeout,
		metrics:     opts.Metrics,
		now:         time.Now,
		servers:     opts.Servers,
		changed:     make(chan struct{}),
		startTime:   time.Now(),
		probeStop:   make(chan struct{}),
	}

	tflog.SubsystemTrace(ctx, SubsystemPool, "ContextPool settings", map[string]any{
		"registry":       p.id,
		"enabled":        p.cfg.Enabled,
		"initial_size":   p.cfg.InitialSize,
		"max_size":       p.cfg.MaxSize,
		"preferred_size": p.cfg.PreferredSize,
		"timeout":        p.cfg.Timeout.String(),
		"wait_time":      p.cfg.WaitTime.String(),
		"servers":        len(p.servers),
	})

	if p.cfg.Enabled {
		for range p.cfg.InitialSize {
			pc, err := p.open(ctx, 0)
			if err != nil {
				tflog.SubsystemWarn(ctx, SubsystemPool, "Could not open initial pool connection", map[string]any{
					"registry": p.id,
					"error":    err.Error(),
				})
				break
			}
			p.mu.Lock()
			p.idle = append(p.idle, pc)
			p.updateGaugesLocked()
			p.mu.Unlock()
		}
	}

	if opts.ReturnToPrimary && len(p.servers) > 1 && opts.PrimaryProbeInterval > 0 {
		p.startPrimaryProbe(opts.PrimaryProbeInterval)
	}

	return p, nil
}

// Borrow returns a bound connection. It reuses an idle connection when one is
// available, opens a new one while under MaxSize, and otherwise waits up to
// WaitTime for a connection to be released.
func (p *Pool) Borrow(ctx context.Context) (*PooledConnection, error) {
	if !p.cfg.Enabled {
		return p.open(ctx, 0)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errPoolClosed
		}

		pc, expired := p.takeIdleLocked()
		if pc != nil {
			p.inUse++
			p.updateGaugesLocked()
			p.mu.Unlock()
			p.closeExpired(expired)
			pc.lastUsed = p.now()
			LogPoolEvent(p.ctx, "connection_borrowed", map[string]any{"registry": p.id, "server": pc.server.String()})
			return pc, nil
		}

		if p.cfg.MaxSize == 0 || p.totalLocked() < p.cfg.MaxSize {
			p.opening++
			gen := p.generation
			p.mu.Unlock()
			p.closeExpired(expired)

			pc, err := p.open(ctx, gen)

			p.mu.Lock()
			p.opening--
			if err != nil {
				p.signalLocked()
				p.mu.Unlock()
				return nil, err
			}
			p.inUse++
			p.updateGaugesLocked()
			p.mu.Unlock()
			return pc, nil
		}

		wait := p.changed
		p.mu.Unlock()
		p.closeExpired(expired)

		if timer == nil {
			if p.cfg.WaitTime <= 0 {
				return nil, p.exhaustedError()
			}
			timer = time.NewTimer(p.cfg.WaitTime)
		}

		select {
		case <-wait:
		case <-timer.C:
			return nil, p.exhaustedError()
		case <-ctx.Done():
			return nil, newRegistryError(KindTimeout, "borrow", "", "gave up waiting for a pooled connection", ctx.Err())
		}
	}
}

func (p *Pool) exhaustedError() error {
	p.exhausted.Add(1)
	p.metrics.incPoolExhausted()
	LogPoolEvent(p.ctx, "pool_exhausted", map[string]any{
		"registry":  p.id,
		"max_size":  p.cfg.MaxSize,
		"wait_time": p.cfg.WaitTime.String(),
	})
	return newRegistryError(KindPoolExhausted, "borrow", "",
		fmt.Sprintf("no connection available within %s (max size %d)", p.cfg.WaitTime, p.cfg.MaxSize), nil)
}

// takeIdleLocked pops the most recently used idle connection that has not timed
// out. Timed out connections are removed and returned for closing.
func (p *Pool) takeIdleLocked() (*PooledConnection, []*PooledConnection) {
	var expired []*PooledConnection
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		pc := p.idle[last]
		p.idle[last] = nil
		p.idle = p.idle[:last]

		if p.timedOut(pc) {
			expired = append(expired, pc)
			continue
		}
		return pc, expired
	}
	return nil, expired
}

func (p *Pool) timedOut(pc *PooledConnection) bool {
	return p.cfg.Timeout > 0 && p.now().Sub(pc.created) > p.cfg.Timeout
}

func (p *Pool) closeExpired(expired []*PooledConnection) {
	for _, pc := range expired {
		p.logTimeout(pc)
		p.closeConn(pc)
	}
	if len(expired) > 0 {
		p.mu.Lock()
		p.signalLocked()
		p.mu.Unlock()
	}
}

func (p *Pool) logTimeout(pc *PooledConnection) {
	p.timeouts.Add(1)
	p.metrics.incPoolTimedOut()
	tflog.SubsystemDebug(p.ctx, SubsystemPool, "ContextPool: context is time out", map[string]any{
		"registry": p.id,
		"server":   pc.server.String(),
		"age":      p.now().Sub(pc.created).String(),
		"timeout":  p.cfg.Timeout.String(),
	})
}

func (p *Pool) totalLocked() int {
	return len(p.idle) + p.inUse + p.opening
}

func (p *Pool) signalLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) updateGaugesLocked() {
	p.metrics.setPoolConnections(len(p.idle), p.inUse)
}

// Release hands a borrowed connection back. The connection is kept idle unless the
// pool already holds PreferredSize idle connections, the connection timed out, or it
// belongs to a generation retired by Refresh.
func (p *Pool) Release(pc *PooledConnection) {
	if pc == nil || pc.pool != p {
		return
	}
	if !p.cfg.Enabled {
		p.closeConn(pc)
		return
	}

	p.mu.Lock()
	p.inUse--
	var discard, expired bool
	switch {
	case p.closed, pc.generation != p.generation:
		discard = true
	case p.timedOut(pc):
		discard, expired = true, true
	case len(p.idle) >= p.cfg.PreferredSize:
		discard = true
	default:
		pc.lastUsed = p.now()
		p.idle = append(p.idle, pc)
	}
	p.signalLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	if expired {
		p.logTimeout(pc)
	}
	if discard {
		p.closeConn(pc)
		return
	}
	LogPoolEvent(p.ctx, "connection_released", map[string]any{"registry": p.id, "server": pc.server.String()})
}

// Invalidate closes a borrowed connection instead of returning it. When cause is a
// communication failure on the active server, later borrows move to the next
// server in the list.
func (p *Pool) Invalidate(pc *PooledConnection, cause error) {
	if pc == nil || pc.pool != p {
		return
	}

	var drained []*PooledConnection
	var from, to *ServerInfo

	p.mu.Lock()
	if p.cfg.Enabled {
		p.inUse--
	}
	if cause != nil && IsConnectionError(cause) && len(p.servers) > 1 && p.servers[p.active] == pc.server {
		from = p.servers[p.active]
		p.active = (p.active + 1) % len(p.servers)
		to = p.servers[p.active]

		kept := p.idle[:0]
		for _, idle := range p.idle {
			if idle.server == from {
				drained = append(drained, idle)
			} else {
				kept = append(kept, idle)
			}
		}
		p.idle = kept
	}
	p.signalLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	fields := map[string]any{"registry": p.id, "server": pc.server.String()}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	LogPoolEvent(p.ctx, "connection_invalidated", fields)

	p.closeConn(pc)
	for _, idle := range drained {
		p.closeConn(idle)
	}
	if from != nil {
		p.logFailover(from, to)
	}
}

// Refresh discards every idle connection, retires the current generation so that
// borrowed connections are closed on release, and points the pool back at the
// primary server.
func (p *Pool) Refresh(reason string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	stale := p.idle
	p.idle = nil
	p.generation++
	p.active = 0
	generation := p.generation
	server := p.servers[0].String()
	p.signalLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	for _, pc := range stale {
		p.closeConn(pc)
	}

	p.refreshes.Add(1)
	p.metrics.incPoolRefreshes()
	tflog.SubsystemInfo(p.ctx, SubsystemPool, "Pool refreshed", map[string]any{
		"registry":           p.id,
		"reason":             reason,
		"generation":         generation,
		"server":             server,
		"closed_connections": len(stale),
	})
}

// Authenticate binds as dn on a dedicated connection that never enters the pool.
// It returns false without error when the directory rejects the credentials.
func (p *Pool) Authenticate(ctx context.Context, dn, password string) (bool, error) {
	conn, _, err := p.dialAny(ctx, func(_ context.Context, conn Conn, _ *ServerInfo) error {
		return conn.Bind(dn, password)
	})
	if err != nil {
		if GetErrorCategory(err) == ErrorCategoryAuthentication {
			return false, nil
		}
		return false, err
	}
	conn.Close()
	return true, nil
}

// open dials, binds and wraps a connection stamped with generation gen.
func (p *Pool) open(ctx context.Context, gen uint64) (*PooledConnection, error) {
	conn, server, err := p.dialAny(ctx, p.bind)
	if err != nil {
		return nil, err
	}

	now := p.now()
	pc := &PooledConnection{
		conn:       conn,
		server:     server,
		created:    now,
		lastUsed:   now,
		generation: gen,
		pool:       p,
	}

	p.created.Add(1)
	p.metrics.incPoolCreated()
	LogPoolEvent(p.ctx, "connection_created", map[string]any{"registry": p.id, "server": server.String()})
	return pc, nil
}

// dialAny walks the server list starting at the active server, retrying the whole
// list with exponential backoff. Authentication failures stop immediately: another
// server will not accept the same credentials either.
func (p *Pool) dialAny(ctx context.Context, bind BindFunc) (Conn, *ServerInfo, error) {
	var lastErr error
	backoff := p.retry.InitialBackoff

	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, nil, errPoolClosed
		}
		servers := p.servers
		start := p.active
		p.mu.Unlock()

		for i := range servers {
			idx := (start + i) % len(servers)
			server := servers[idx]

			conn, err := p.dialer.Dial(ctx, server)
			if err == nil {
				if p.readTimeout > 0 {
					conn.SetTimeout(p.readTimeout)
				}
				if err = bind(ctx, conn, server); err != nil {
					conn.Close()
					if GetErrorCategory(err) == ErrorCategoryAuthentication {
						return nil, nil, err
					}
				}
			}
			if err != nil {
				lastErr = err
				p.failures.Add(1)
				LogPoolEvent(p.ctx, "connection_failed", map[string]any{
					"registry": p.id,
					"server":   server.String(),
					"attempt":  attempt + 1,
					"error":    err.Error(),
				})
				continue
			}

			if idx != start {
				p.switchServer(start, idx)
			}
			return conn, server, nil
		}

		if attempt < p.retry.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, nil, newRegistryError(KindTimeout, "connect", "", "", ctx.Err())
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*p.retry.BackoffFactor), p.retry.MaxBackoff)
			}
		}
	}

	LogPoolEvent(p.ctx, "all_servers_failed", map[string]any{
		"registry": p.id,
		"servers":  len(p.servers),
	})
	return nil, nil, newRegistryError(KindDirectoryUnavailable, "connect", "", "no directory server reachable", lastErr)
}

func (p *Pool) switchServer(from, to int) {
	p.mu.Lock()
	if p.active != from {
		p.mu.Unlock()
		return
	}
	p.active = to
	fromServer, toServer := p.servers[from], p.servers[to]
	p.mu.Unlock()
	p.logFailover(fromServer, toServer)
}

func (p *Pool) logFailover(from, to *ServerInfo) {
	p.metrics.incPoolFailovers()
	LogPoolEvent(p.ctx, "failover", map[string]any{
		"registry": p.id,
		"from":     from.String(),
		"to":       to.String(),
	})
	tflog.SubsystemInfo(p.ctx, SubsystemPool, "Failing over to server", map[string]any{
		"registry": p.id,
		"server":   to.String(),
	})
}

func (p *Pool) closeConn(pc *PooledConnection) {
	if pc != nil && pc.conn != nil {
		pc.conn.Close()
		LogPoolEvent(p.ctx, "connection_closed", map[string]any{"registry": p.id, "server": pc.server.String()})
	}
}

func (p *Pool) startPrimaryProbe(interval time.Duration) {
	ticker := time.NewTicker(interval)

	p.probeWg.Go(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				p.probePrimary(ctx)
				cancel()
			case <-p.probeStop:
				return
			}
		}
	})
}

// probePrimary refreshes the pool when the primary server answers again while the
// pool is running on a failover server.
func (p *Pool) probePrimary(ctx context.Context) bool {
	p.mu.Lock()
	if p.closed || p.active == 0 {
		p.mu.Unlock()
		return false
	}
	primary := p.servers[0]
	p.mu.Unlock()

	conn, err := p.dialer.Dial(ctx, primary)
	if err != nil {
		tflog.SubsystemTrace(p.ctx, SubsystemPool, "Primary server still unavailable", map[string]any{
			"registry": p.id,
			"server":   primary.String(),
			"error":    err.Error(),
		})
		return false
	}
	conn.Close()

	p.Refresh("primary server available")
	return true
}

// Close closes idle connections and stops background work. Borrowed connections
// are closed when they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.signalLocked()
	p.updateGaugesLocked()
	p.mu.Unlock()

	close(p.probeStop)
	p.probeWg.Wait()

	for _, pc := range idle {
		p.closeConn(pc)
	}

	LogPoolEvent(p.ctx, "pool_closed", map[string]any{"registry": p.id})
	return nil
}

// ServerCount returns the number of configured servers, failover targets included.
func (p *Pool) ServerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.servers)
}

// Dialer returns the dialer used by the pool, for connections outside it.
func (p *Pool) Dialer() Dialer {
	return p.dialer
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Idle:         len(p.idle),
		InUse:        p.inUse,
		Total:        p.totalLocked(),
		Created:      p.created.Load(),
		Errors:       p.failures.Load(),
		TimedOut:     p.timeouts.Load(),
		Exhausted:    p.exhausted.Load(),
		Refreshes:    p.refreshes.Load(),
		Generation:   p.generation,
		ActiveServer: p.servers[p.active].String(),
		Uptime:       time.Since(p.startTime),
	}
}
