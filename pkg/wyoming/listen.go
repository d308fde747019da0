package wyoming

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrListenerClosed is returned by Accept after the listener shuts down.
var ErrListenerClosed = errors.New("wyoming: listener closed")

// Listener accepts event connections from clients.
type Listener interface {
	// Accept blocks until the next client connects.
	Accept() (*Conn, error)

	// Addr describes the bound endpoint.
	Addr() string

	// Close stops accepting. Already-accepted connections are unaffected.
	Close() error
}

// Listen binds a listener for the given URI. Supported schemes:
// tcp://host:port, unix://path, ws://host:port and stdio:// (single
// connection over stdin/stdout).
func Listen(uri string) (Listener, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse uri %q: %w", uri, err)
	}

	switch u.Scheme {
	case "tcp":
		ln, err := net.Listen("tcp", u.Host)
		if err != nil {
			return nil, err
		}
		return &netListener{ln: ln}, nil
	case "unix":
		path := u.Path
		if path == "" {
			path = u.Host
		}
		ln, err := net.Listen("unix", path)
		if err != nil {
			return nil, err
		}
		return &netListener{ln: ln}, nil
	case "ws":
		return listenWebSocket(u.Host, u.Path)
	case "stdio":
		return &stdioListener{}, nil
	default:
		return nil, fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
}

// netListener adapts a stream net.Listener (tcp, unix).
type netListener struct {
	ln net.Listener
}

func (l *netListener) Accept() (*Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return NewConn(c, c, c.RemoteAddr().String()), nil
}

func (l *netListener) Addr() string { return l.ln.Addr().String() }

func (l *netListener) Close() error { return l.ln.Close() }

// stdioListener yields exactly one connection over the process's own
// stdin/stdout, then blocks until closed.
type stdioListener struct {
	mu   sync.Mutex
	used bool
	done chan struct{}
}

func (l *stdioListener) Accept() (*Conn, error) {
	l.mu.Lock()
	if l.done == nil {
		l.done = make(chan struct{})
	}
	if l.used {
		done := l.done
		l.mu.Unlock()
		<-done
		return nil, ErrListenerClosed
	}
	l.used = true
	l.mu.Unlock()

	rw := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}
	return NewConn(rw, nil, "stdio"), nil
}

func (l *stdioListener) Addr() string { return "stdio" }

func (l *stdioListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		l.done = make(chan struct{})
	}
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

// wsListener serves the event stream over websocket messages. Each accepted
// websocket is adapted to a byte stream so the same header/payload framing
// applies.
type wsListener struct {
	srv   *http.Server
	ln    net.Listener
	conns chan *Conn
	done  chan struct{}
	once  sync.Once
}

func listenWebSocket(host, path string) (Listener, error) {
	if path == "" {
		path = "/"
	}
	ln, err := net.Listen("tcp", host)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		ln:    ln,
		conns: make(chan *Conn),
		done:  make(chan struct{}),
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stream := &wsStream{ws: ws}
		conn := NewConn(stream, stream, r.RemoteAddr)
		select {
		case l.conns <- conn:
		case <-l.done:
			ws.Close()
		}
	})

	l.srv = &http.Server{Handler: mux}
	go l.srv.Serve(ln)

	return l, nil
}

func (l *wsListener) Accept() (*Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *wsListener) Addr() string { return "ws://" + l.ln.Addr().String() }

func (l *wsListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return l.srv.Close()
}

// wsStream adapts a websocket connection to io.ReadWriteCloser. Reads pull
// bytes across binary message boundaries; each write goes out as one binary
// message.
type wsStream struct {
	ws      *websocket.Conn
	current io.Reader
	wmu     sync.Mutex
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.current == nil {
			_, r, err := s.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.current = r
		}
		n, err := s.current.Read(p)
		if err == io.EOF {
			s.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error { return s.ws.Close() }
