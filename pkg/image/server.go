package image

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/newtron-network/newtdeploy/pkg/util"
)

// Server exports a fixed set of local files over HTTP, one URL path per
// name (/base_version, /target_version).
type Server struct {
	files         map[string]string
	advertiseHost string

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer validates that every file exists. advertiseHost is the name
// devices use to reach this host; empty means os.Hostname.
func NewServer(files map[string]string, advertiseHost string) (*Server, error) {
	for name, p := range files {
		if err := VerifyFileExists(p); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	if advertiseHost == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("hostname: %w", err)
		}
		advertiseHost = h
	}
	cp := make(map[string]string, len(files))
	for k, v := range files {
		cp[k] = v
	}
	return &Server{files: cp, advertiseHost: advertiseHost}, nil
}

// Handler returns the gin engine serving the files.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	serve := func(c *gin.Context) {
		p, ok := s.files[c.Param("name")]
		if !ok {
			c.String(http.StatusNotFound, "no such image\n")
			return
		}
		c.File(p)
	}
	r.GET("/:name", serve)
	r.HEAD("/:name", serve)
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		util.WithFields(map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
			"client": c.ClientIP(),
		}).Infof("image request served in %s", time.Since(start))
	}
}

// Start listens on addr (":0" when empty) and serves in the background.
func (s *Server) Start(ctx context.Context, addr string) error {
	if addr == "" {
		addr = ":0"
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("image server listen %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.done = make(chan struct{})
	srv, done := s.srv, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Errorf("image server: %v", err)
		}
	}()
	util.Infof("Serving %d image(s) over %s", len(s.files), s.BaseURL())
	return nil
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// BaseURL is http://<advertiseHost>:<port>.
func (s *Server) BaseURL() string {
	return "http://" + net.JoinHostPort(s.advertiseHost, strconv.Itoa(s.Port()))
}

// URL returns the URL of a served file.
func (s *Server) URL(name string) string {
	return s.BaseURL() + "/" + name
}

// Close stops the server and waits for it to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(ctx)
	<-done
	return err
}
