package web

import (
	"log"
	"net/http"
	"strings"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/protocol"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/util"
	"github.com/gin-gonic/gin"
)

// HandleWebmention accepts an inbound webmention: the source page is a
// post by a web user and gets queued for delivery. Receipt is
// acknowledged before any remote work happens.
func (s *Server) HandleWebmention(c *gin.Context) {
	source := c.PostForm("source")
	if !util.IsWeb(source) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source must be an http(s) URL"})
		return
	}

	domainName := strings.ToLower(util.DomainFromLink(source))
	webProto := protocol.For("web")
	if webProto == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "web protocol not registered"})
		return
	}
	if err := webProto.CheckID(domainName); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// a www subdomain is the same site as its root domain; the root owns
	// the identity and the www alias redirects to it
	wwwAlias := ""
	if root := strings.TrimPrefix(domainName, "www."); root != domainName && webProto.CheckID(root) == nil {
		wwwAlias, domainName = domainName, root
	}

	// webmentions are explicit opt-in, so the user is created direct
	user, err := s.DB.GetOrCreateIdentity(
		domain.IdentityKey{Protocol: webProto.Label(), ID: domainName},
		true, s.Conf.Conf.KeyBits)
	if err != nil {
		log.Printf("Webmention: failed to create user %s: %v", domainName, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create user"})
		return
	}

	if wwwAlias != "" {
		if err := s.retireAlias(
			domain.IdentityKey{Protocol: webProto.Label(), ID: wwwAlias}, user.Key); err != nil {
			log.Printf("Webmention: failed to retire %s in favor of %s: %v", wwwAlias, user.Key, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create user"})
			return
		}
	}

	id, err := s.DB.EnqueueReceive(user.Key, source, false)
	if err != nil {
		log.Printf("Webmention: failed to enqueue %s: %v", source, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not queue webmention"})
		return
	}

	log.Printf("Queued webmention %s for %s as %s", source, user.Key, id)
	c.JSON(http.StatusAccepted, gin.H{"id": id.String(), "status": "queued"})
}

// retireAlias records alias as a soft redirect to target, so reads of the
// alias resolve to the target identity from then on.
func (s *Server) retireAlias(alias, target domain.IdentityKey) error {
	existing, err := s.DB.GetOrCreateIdentity(alias, false, s.Conf.Conf.KeyBits)
	if err != nil {
		return err
	}
	if existing.Key == target {
		// already redirected
		return nil
	}
	return s.DB.UpdateIdentityUseInstead(alias, target)
}

type receiveRequest struct {
	User   string `json:"user" binding:"required"`
	Source string `json:"source" binding:"required"`
	Force  bool   `json:"force"`
}

// HandleReceive queues an activity from any registered protocol for
// delivery on behalf of the given user.
func (s *Server) HandleReceive(c *gin.Context) {
	var req receiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := domain.ParseIdentityKey(req.User)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	proto := protocol.For(key.Protocol)
	if proto == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown protocol " + key.Protocol})
		return
	}
	if err := proto.CheckID(key.ID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := s.DB.GetOrCreateIdentity(key, false, s.Conf.Conf.KeyBits)
	if err != nil {
		log.Printf("Receive: failed to create user %s: %v", key, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create user"})
		return
	}

	id, err := s.DB.EnqueueReceive(user.Key, req.Source, req.Force)
	if err != nil {
		log.Printf("Receive: failed to enqueue %s: %v", req.Source, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not queue activity"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": id.String(), "status": "queued"})
}
