package web

import (
	"log"
	"net/http"
	"time"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/as1"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/gorilla/feeds"
)

// HandleFeed serves a user's recent bridged posts as RSS.
func (s *Server) HandleFeed(c *gin.Context) {
	key := domain.IdentityKey{
		Protocol: c.Query("protocol"),
		ID:       c.Query("id"),
	}
	if key.Protocol == "" || key.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "protocol and id parameters required"})
		return
	}

	user, err := s.DB.ReadIdentity(key)
	if err != nil || user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such user"})
		return
	}

	rss, err := s.renderFeed(user)
	if err != nil {
		log.Printf("Feed for %s failed: %v", key, err)
		c.Render(http.StatusNotFound, render.String{Format: ""})
		return
	}

	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.Render(http.StatusOK, render.String{Format: rss})
}

func (s *Server) renderFeed(user *domain.Identity) (string, error) {
	objects, err := s.DB.ReadObjectsByUser(user.Key, "", 20)
	if err != nil {
		return "", err
	}

	feed := &feeds.Feed{
		Title:       "Bridgy Fed - " + user.Name(),
		Link:        &feeds.Link{Href: s.Conf.HostURL("feed?protocol=" + user.Key.Protocol + "&id=" + user.Key.ID)},
		Description: "bridged posts by " + user.Name(),
		Author:      &feeds.Author{Name: user.Name()},
		Created:     time.Now(),
	}

	var items []*feeds.Item
	for _, obj := range objects {
		if !isContent(obj) {
			continue
		}

		content := obj.AS1
		if inner := as1.GetObject(obj.AS1, "object"); inner != nil {
			content = inner
		}

		title := as1.GetString(content, "displayName")
		if title == "" {
			title = obj.Type
		}
		link := as1.GetString(content, "url")
		if link == "" {
			link, _ = content["id"].(string)
		}

		items = append(items, &feeds.Item{
			Title:       title,
			Link:        &feeds.Link{Href: link},
			Description: as1.GetString(content, "content"),
			Id:          obj.ID,
			Created:     obj.CreatedAt,
		})
	}
	feed.Items = items

	return feed.ToRss()
}

// isContent reports whether the object is a post worth surfacing in a
// feed, directly or via a post/update wrapper.
func isContent(obj *domain.Object) bool {
	switch obj.Type {
	case "note", "article", "comment":
		return true
	case "post", "update":
		inner := as1.GetObject(obj.AS1, "object")
		switch as1.ObjectType(inner) {
		case "note", "article", "comment":
			return true
		}
	}
	return false
}
