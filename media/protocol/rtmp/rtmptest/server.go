// Package rtmptest provides a loopback RTMP sink that records what a
// publisher sends.
package rtmptest

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nareix/joy4/format/flv/flvio"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/wangscript007/ecmedia/protocol/common"
	"github.com/wangscript007/ecmedia/media/protocol/rtmp"
)

// Tag is a received tag with its message timestamp.
type Tag struct {
	flvio.Tag
	Time uint32
}

// Session is one publishing connection.
type Session struct {
	Info     common.Info
	Tags     []Tag
	Metadata int
	Err      error // nil on deleteStream
	Done     bool
}

// MediaTags returns audio and video tags only.
func (s Session) MediaTags() []Tag {
	var out []Tag
	for _, t := range s.Tags {
		if t.Type == flvio.TAG_AUDIO || t.Type == flvio.TAG_VIDEO {
			out = append(out, t)
		}
	}
	return out
}

type Option func(*Server)

// WithHook vetoes publish requests.
func WithHook(hook rtmp.Hook) Option {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, rtmp.WithServerHook(hook))
	}
}

// WithDropFirstAfter closes the first session after n media tags.
func WithDropFirstAfter(n int) Option {
	return func(s *Server) {
		s.dropAfter = n
	}
}

type Server struct {
	ln        net.Listener
	connOpts  []rtmp.Option
	dropAfter int

	accepted atomic.Int32

	mu       sync.Mutex
	sessions []*Session
	conns    map[net.Conn]struct{}
	changed  chan struct{}

	wg sync.WaitGroup
}

// NewServer listens on a random loopback port.
func NewServer(opts ...Option) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:      ln,
		conns:   make(map[net.Conn]struct{}),
		changed: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// URL returns rtmp://addr/app/stream for this server.
func (s *Server) URL(app, stream string) string {
	return fmt.Sprintf("rtmp://%s/%s/%s", s.Addr(), app, stream)
}

// Accepted counts TCP connections, including failed handshakes.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// Sessions returns a snapshot of every session so far.
func (s *Server) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		c := *sess
		c.Tags = append([]Tag(nil), sess.Tags...)
		out = append(out, c)
	}
	return out
}

// Wait blocks until cond holds for the session snapshot or timeout passes.
func (s *Server) Wait(timeout time.Duration, cond func([]Session) bool) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		ch := s.changed
		s.mu.Unlock()
		if cond(s.Sessions()) {
			return true
		}
		select {
		case <-ch:
		case <-deadline:
			return cond(s.Sessions())
		}
	}
}

func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// broadcast must be called with s.mu held.
func (s *Server) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		n := s.accepted.Inc()
		s.mu.Lock()
		s.conns[nc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(nc, n == 1)
			s.mu.Lock()
			delete(s.conns, nc)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) handle(nc net.Conn, first bool) {
	c := rtmp.NewServerConn(nc, s.connOpts...)
	defer c.Close()

	if err := c.Handshake(); err != nil {
		log.Debug().Err(err).Msg("[rtmptest] handshake")
		return
	}
	if err := c.ReadPublish(); err != nil {
		log.Debug().Err(err).Msg("[rtmptest] publish")
		return
	}

	sess := &Session{Info: c.Info()}
	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.broadcast()
	s.mu.Unlock()

	media := 0
	for {
		tag, ts, err := c.ReadTag()
		s.mu.Lock()
		if err != nil {
			if err != io.EOF {
				sess.Err = err
			}
			sess.Done = true
			s.broadcast()
			s.mu.Unlock()
			return
		}
		if tag.Type == flvio.TAG_SCRIPTDATA {
			sess.Metadata++
		} else {
			tag.Data = append([]byte(nil), tag.Data...)
			sess.Tags = append(sess.Tags, Tag{Tag: tag, Time: ts})
			media++
		}
		s.broadcast()
		s.mu.Unlock()

		if first && s.dropAfter > 0 && media >= s.dropAfter {
			return
		}
	}
}
