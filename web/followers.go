package web

import (
	"net/http"
	"time"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/util"
	"github.com/gin-gonic/gin"
)

// HandleFollowerPage serves one page of a user's follower or following
// list, newest first, with before/after cursors for paging.
func (s *Server) HandleFollowerPage(c *gin.Context, direction string) {
	owner := domain.IdentityKey{
		Protocol: c.Param("protocol"),
		ID:       c.Param("id"),
	}

	user, err := s.DB.ReadIdentity(owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such user"})
		return
	}

	before, after, ok := parseCursors(c)
	if !ok {
		return
	}

	edges, newBefore, newAfter, err := s.DB.FollowerPage(user.Key, direction, before, after)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items := make([]gin.H, 0, len(edges))
	for _, edge := range edges {
		item := gin.H{
			"from":       edge.From.String(),
			"to":         edge.To.String(),
			"status":     edge.Status,
			"updated_at": edge.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if edge.FollowID != "" {
			item["follow_id"] = edge.FollowID
		}
		if edge.User != nil {
			item["user"] = gin.H{"id": edge.User.Key.String(), "name": edge.User.Name()}
		}
		items = append(items, item)
	}

	resp := gin.H{"items": items}
	if newBefore != "" {
		resp["before"] = newBefore
	}
	if newAfter != "" {
		resp["after"] = newAfter
	}
	c.JSON(http.StatusOK, resp)
}

// parseCursors reads the before/after query params. At most one may be
// set, and it must be an ISO-8601 timestamp. Responds 400 itself when
// the cursors are unusable.
func parseCursors(c *gin.Context) (before, after *time.Time, ok bool) {
	beforeStr := c.Query("before")
	afterStr := c.Query("after")

	if beforeStr != "" && afterStr != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot page with both before and after"})
		return nil, nil, false
	}

	if beforeStr != "" {
		t, err := util.ParseISO8601(beforeStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor: " + beforeStr})
			return nil, nil, false
		}
		before = &t
	}
	if afterStr != "" {
		t, err := util.ParseISO8601(afterStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid after cursor: " + afterStr})
			return nil, nil, false
		}
		after = &t
	}
	return before, after, true
}
