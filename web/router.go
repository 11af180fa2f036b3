package web

import (
	"fmt"
	"log"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/activitypub"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/db"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Server wires the HTTP edge: ingestion endpoints, follower pages,
// webfinger and feeds.
type Server struct {
	Conf *util.AppConfig
	DB   *db.DB
	AP   *activitypub.ActivityPub
}

func NewServer(conf *util.AppConfig, dbase *db.DB) *Server {
	return &Server{
		Conf: conf,
		DB:   dbase,
		AP:   activitypub.New(conf),
	}
}

// NewRouter builds the gin engine with all routes registered.
func (s *Server) NewRouter() *gin.Engine {
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter limit for ingestion endpoints: 5 req/sec per IP
	ingestLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024) // 1MB

	g.POST("/webmention", RateLimitMiddleware(ingestLimiter), maxBodySize, s.HandleWebmention)
	g.POST("/receive", RateLimitMiddleware(ingestLimiter), maxBodySize, s.HandleReceive)

	g.GET("/user/:protocol/:id/followers", func(c *gin.Context) {
		s.HandleFollowerPage(c, "followers")
	})
	g.GET("/user/:protocol/:id/following", func(c *gin.Context) {
		s.HandleFollowerPage(c, "following")
	})

	g.GET("/ap/:protocol/:id", s.HandleActor)
	g.POST("/ap/sharedInbox", RateLimitMiddleware(ingestLimiter), maxBodySize, s.HandleInbox)
	g.POST("/ap/:protocol/:id/inbox", RateLimitMiddleware(ingestLimiter), maxBodySize, s.HandleInbox)

	g.GET("/.well-known/webfinger", s.HandleWebfinger)
	g.GET("/feed", s.HandleFeed)

	return g
}

// Router starts the HTTP server and blocks.
func (s *Server) Router() error {
	log.Printf("Starting HTTP server on %s:%d", s.Conf.Conf.Host, s.Conf.Conf.HttpPort)
	return s.NewRouter().Run(fmt.Sprintf("%s:%d", s.Conf.Conf.Host, s.Conf.Conf.HttpPort))
}
