package ipc

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"devloop/internal/logging"
)

// Pool tracks every live server in the process and stops them all on
// process termination. One pool is created at startup and passed to each
// server's Start; this keeps cleanup hooks tied to an explicit instance
// rather than package-level state.
type Pool struct {
	mu      sync.Mutex
	servers map[*Server]struct{}

	hookOnce sync.Once
	sigCh    chan os.Signal
	done     chan struct{}
}

// NewPool creates an empty server pool.
func NewPool() *Pool {
	return &Pool{
		servers: make(map[*Server]struct{}),
		done:    make(chan struct{}),
	}
}

// register adds a server and lazily installs the termination hooks.
func (p *Pool) register(s *Server) {
	p.mu.Lock()
	p.servers[s] = struct{}{}
	p.mu.Unlock()

	p.hookOnce.Do(func() {
		p.sigCh = make(chan os.Signal, 1)
		signal.Notify(p.sigCh, syscall.SIGTERM, syscall.SIGINT)
		go func() {
			select {
			case sig := <-p.sigCh:
				logging.Get(logging.CategoryIPC).Infow("termination signal, draining server pool", "signal", sig)
				p.StopAll()
				signal.Stop(p.sigCh)
				// Re-raise so the default handler terminates the process
				// with the conventional exit status.
				_ = syscall.Kill(os.Getpid(), sig.(syscall.Signal))
			case <-p.done:
			}
		}()
	})
}

// remove drops a server from the pool.
func (p *Pool) remove(s *Server) {
	p.mu.Lock()
	delete(p.servers, s)
	p.mu.Unlock()
}

// Size returns the number of registered servers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.servers)
}

// StopAll stops every registered server and clears the pool.
func (p *Pool) StopAll() {
	p.mu.Lock()
	servers := make([]*Server, 0, len(p.servers))
	for s := range p.servers {
		servers = append(servers, s)
	}
	p.servers = make(map[*Server]struct{})
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)
		go func(srv *Server) {
			defer wg.Done()
			srv.Stop()
		}(s)
	}
	wg.Wait()
}

// Close releases the signal watcher without stopping servers. Used by
// tests and by orderly shutdown paths that already called StopAll.
func (p *Pool) Close() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	if p.sigCh != nil {
		signal.Stop(p.sigCh)
	}
}
