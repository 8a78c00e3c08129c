// Package server exposes the filter engine over HTTP.
package server

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ollama/enforcer/auth"
	"github.com/ollama/enforcer/enforcer"
	"github.com/ollama/enforcer/envconfig"
	"github.com/ollama/enforcer/filter"
	"github.com/ollama/enforcer/metrics"
	"github.com/ollama/enforcer/tokenizer"
	"github.com/ollama/enforcer/version"
	"github.com/ollama/enforcer/vocab"
)

var errNoTokenizer = errors.New("no tokenizer configured, set ENFORCER_TOKENIZER")

// LoadSource opens the vocabulary at path. Files ending in .cbor or
// .vocab.json are serialized vocabularies; anything else is read as a
// HuggingFace tokenizer file or directory.
func LoadSource(path string) (vocab.Source, error) {
	if path == "" {
		return nil, errNoTokenizer
	}

	if strings.HasSuffix(path, ".cbor") || strings.HasSuffix(path, ".vocab.json") {
		f, err := vocab.Load(path)
		if err != nil {
			return nil, err
		}
		return f, nil
	}

	t, err := tokenizer.Load(path)
	if err != nil {
		return nil, err
	}
	return t, nil
}

type Server struct {
	auth   *auth.Authenticator
	load   func() (vocab.Source, error)
	opts   []enforcer.Option
	caches *vocab.Cache

	mu     sync.Mutex
	source vocab.Source
}

type Option func(*Server)

// WithLoader replaces the function that opens the tokenizer.
func WithLoader(load func() (vocab.Source, error)) Option {
	return func(s *Server) { s.load = load }
}

func WithEnforcerOptions(opts ...enforcer.Option) Option {
	return func(s *Server) { s.opts = append(s.opts, opts...) }
}

func New(a *auth.Authenticator, opts ...Option) *Server {
	s := &Server{
		auth:   a,
		load:   func() (vocab.Source, error) { return LoadSource(envconfig.Tokenizer) },
		caches: vocab.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// vocabulary opens the tokenizer on first use and returns its cached
// vocabulary. The cache lookup runs under s.mu so an unload cannot land
// between reading the source and repopulating its entry.
func (s *Server) vocabulary() (*vocab.Vocabulary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.source == nil {
		src, err := s.load()
		if err != nil {
			return nil, err
		}
		s.source = src
		slog.Info("loaded tokenizer", "tokens", len(src.Pieces()))
	}

	return s.caches.Get(s.source)
}

// unload forgets the tokenizer so the next request opens it again.
func (s *Server) unload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.source != nil {
		s.caches.Invalidate(s.source)
		s.source = nil
	}
	filter.Purge()
}

func (s *Server) GenerateRoutes() http.Handler {
	config := cors.DefaultConfig()
	config.AllowWildcard = true
	config.AllowBrowserExtensions = true
	config.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept", "X-Requested-With", "X-Api-Key", "X-Admin-Key"}
	config.AllowOrigins = envconfig.AllowOrigins

	r := gin.New()
	r.Use(gin.Recovery(), cors.New(config), recordRequests)

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "enforcer is running") })
	r.GET("/api/version", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"version": version.Version}) })
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.POST("/api/constrain", s.auth.Require(auth.TierAPI), s.ConstrainHandler)
	r.GET("/api/vocab", s.auth.Require(auth.TierAPI), s.VocabHandler)
	r.POST("/api/unload", s.auth.Require(auth.TierAdmin), s.UnloadHandler)

	return r
}

func recordRequests(c *gin.Context) {
	c.Next()

	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	metrics.RecordRequest(route, c.Writer.Status())
}

// Serve loads the API keys and serves requests on ln until it fails.
func Serve(ln net.Listener) error {
	level := slog.LevelInfo
	if envconfig.Debug {
		gin.SetMode(gin.DebugMode)
		level = slog.LevelDebug
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	slog.Info("server config", "env", envconfig.Values(), "level", level)

	var keys *auth.Keys
	if !envconfig.DisableAuth {
		var err error
		if keys, err = auth.Load(envconfig.AuthFile); err != nil {
			return err
		}
	}

	metrics.Register()
	s := New(auth.New(keys, envconfig.DisableAuth), WithEnforcerOptions(enforcer.WithCacheSize(envconfig.CacheSize)))

	slog.Info("Listening on "+ln.Addr().String(), "version", version.Version)
	srvr := &http.Server{
		Handler: s.GenerateRoutes(),
	}

	return srvr.Serve(ln)
}
