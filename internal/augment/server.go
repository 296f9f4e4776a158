package augment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/fragdl/internal/utils"
)

type route struct {
	method  string
	re      *regexp.Regexp
	status  int
	headers utils.Headers
	data    []byte
}

// HTTPServer serves constant responses on 127.0.0.1 at a random port for a
// delegated player. A route prefixed with "re:" is a regexp that must match
// the whole request URI, otherwise it is an exact match.
type HTTPServer struct {
	Hooks

	routes []route
	mu     sync.Mutex
	e      *echo.Echo
	port   int
	errCh  chan error
}

func NewHTTPServer(routes []utils.ServerRoute) (*HTTPServer, error) {
	s := &HTTPServer{}
	for _, r := range routes {
		pattern := regexp.QuoteMeta(r.Route)
		if rest, ok := strings.CutPrefix(r.Route, "re:"); ok {
			pattern = rest
		}
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid route %q: %w", r.Route, err)
		}
		status := r.Status
		if status == 0 {
			status = http.StatusOK
		}
		s.routes = append(s.routes, route{
			method:  strings.ToUpper(r.Method),
			re:      re,
			status:  status,
			headers: r.Headers,
			data:    []byte(r.Data),
		})
	}
	return s, nil
}

func (s *HTTPServer) handle(c echo.Context) error {
	req := c.Request()
	uri := req.URL.RequestURI()
	for _, r := range s.routes {
		if r.method != "" && r.method != req.Method {
			continue
		}
		if !r.re.MatchString(uri) {
			continue
		}
		for _, h := range r.headers {
			c.Response().Header().Set(h.Key, h.Value)
		}
		ct := r.headers.Get("Content-Type")
		if ct == "" {
			ct = echo.MIMEOctetStream
		}
		return c.Blob(r.status, ct, r.data)
	}
	return echo.ErrNotFound
}

func (s *HTTPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.e != nil {
		return ErrAlreadyStarted
	}
	if err := s.before(ctx); err != nil {
		return fmt.Errorf("http server before_dl: %w", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("error starting http server: %w", err)
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Listener = ln
	e.Any("/*", s.handle)
	s.e = e
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.errCh = make(chan error, 1)
	go func() {
		err := e.Start("")
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.errCh <- err
	}()
	log.Debug().Str("op", "augment/server").Msgf("Serving %d routes on 127.0.0.1:%d", len(s.routes), s.port)
	return nil
}

// Port is valid between Start and End.
func (s *HTTPServer) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *HTTPServer) URL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", s.Port(), path)
}

func (s *HTTPServer) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.e == nil {
		return nil
	}
	hookErr := s.after()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.e.Shutdown(ctx)
	if serveErr := <-s.errCh; err == nil {
		err = serveErr
	}
	s.e = nil
	s.port = 0
	if err != nil {
		return fmt.Errorf("error stopping http server: %w", err)
	}
	return hookErr
}
