package upstream

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Set is the collection of configured upstream connections.
type Set struct {
	conns []*Conn
}

func NewSet(conns ...*Conn) *Set {
	return &Set{conns: conns}
}

// Conns returns the connections in configuration order.
func (s *Set) Conns() []*Conn { return s.conns }

// Get returns the connection named name.
func (s *Set) Get(name string) (*Conn, bool) {
	for _, c := range s.conns {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// AnyConnected reports whether at least one upstream is live. With no
// upstreams configured there is nothing to be offline from, so it reports
// true.
func (s *Set) AnyConnected() bool {
	if len(s.conns) == 0 {
		return true
	}
	for _, c := range s.conns {
		if c.Connected() {
			return true
		}
	}
	return false
}

// States returns a snapshot of every connection.
func (s *Set) States() []ConnectionState {
	out := make([]ConnectionState, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.State())
	}
	return out
}

// Run runs every connection until ctx is done.
func (s *Set) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range s.conns {
		g.Go(func() error { return c.Run(ctx) })
	}
	return g.Wait()
}
