package web

import (
	"net/http"
	"strings"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	"github.com/gin-gonic/gin"
)

// HandleWebfinger resolves acct: resources for bridged web users. The
// account name is the user's domain; the host part is ours or theirs.
func (s *Server) HandleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if resource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource parameter required"})
		return
	}

	name := strings.TrimPrefix(resource, "acct:")
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty account name"})
		return
	}

	user, err := s.DB.ReadIdentity(domain.IdentityKey{Protocol: "web", ID: name})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}

	actorURL := s.AP.ActorID(user)
	links := []gin.H{
		{
			"rel":  "self",
			"type": "application/activity+json",
			"href": actorURL,
		},
		{
			"rel":  "http://webfinger.net/rel/profile-page",
			"type": "text/html",
			"href": "https://" + user.Key.ID + "/",
		},
	}
	if href := user.Href(); href != "" {
		links = append(links, gin.H{"rel": "magic-public-key", "href": href})
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, gin.H{
		"subject": "acct:" + user.Key.ID + "@" + s.Conf.Conf.Domain,
		"aliases": []string{actorURL, "https://" + user.Key.ID + "/"},
		"links":   links,
	})
}
