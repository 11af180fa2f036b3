package web

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/activitypub"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/as1"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/db"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/domain"
	"github.com/Fedihosting-Foundation-Forks/bridgy-fed/protocol"
	"github.com/gin-gonic/gin"
)

// HandleActor serves the bridged ActivityPub actor document for one of
// our identities.
func (s *Server) HandleActor(c *gin.Context) {
	key := domain.IdentityKey{
		Protocol: c.Param("protocol"),
		ID:       c.Param("id"),
	}

	user, err := s.DB.ReadIdentity(key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such user"})
		return
	}

	if user.ObjID != "" {
		if profile, err := protocol.LoadLocal(s.DB, user.ObjID); err == nil {
			user.SetObj(profile)
		}
	}

	c.Header("Content-Type", activitypub.ContentType+"; charset=utf-8")
	c.JSON(http.StatusOK, s.AP.Actor(user))
}

// HandleInbox accepts signed ActivityPub activities. The activity is
// verified against its actor's published key, stored, and any follow or
// unfollow of a bridged user updates the follower graph.
func (s *Server) HandleInbox(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	var activity map[string]any
	if err := json.Unmarshal(body, &activity); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}

	actorID := actorOf(activity)
	if actorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "activity has no actor"})
		return
	}

	apProto := protocol.For("activitypub")
	actor, err := protocol.Load(s.DB, apProto, actorID, false)
	if err != nil || actor == nil {
		log.Printf("Inbox: could not load actor %s: %v", actorID, err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "could not load actor"})
		return
	}

	keyPem := actorKeyPem(actor.AS1)
	if keyPem == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "actor has no public key"})
		return
	}
	if _, err := activitypub.VerifyRequest(c.Request, keyPem); err != nil {
		log.Printf("Inbox: signature check failed for %s: %v", actorID, err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	id, _ := activity["id"].(string)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "activity has no id"})
		return
	}

	obj := &domain.Object{
		ID:             id,
		AS2:            activity,
		SourceProtocol: apProto.Label(),
	}
	if err := protocol.PutObject(s.DB, obj); err != nil {
		log.Printf("Inbox: failed to store %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not store activity"})
		return
	}

	if err := s.applyFollow(obj, actor); err != nil {
		log.Printf("Inbox: follow handling for %s failed: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not record follow"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// applyFollow records follower edges for inbound Follow activities and
// deactivates them for Undo-of-Follow.
func (s *Server) applyFollow(obj, actor *domain.Object) error {
	verb := as1.GetString(obj.AS1, "verb")

	inner := obj.AS1
	status := domain.FollowerActive
	if verb == "undo" {
		inner = as1.GetObject(obj.AS1, "object")
		if as1.GetString(inner, "verb") != "follow" {
			return nil
		}
		status = domain.FollowerInactive
	} else if verb != "follow" {
		return nil
	}

	followee := firstID(as1.GetURLs(inner, "object"))
	localKey, ok := s.localUserKey(followee)
	if !ok {
		log.Printf("Inbox: %s follow of non-local %s, ignoring", actor.ID, followee)
		return nil
	}

	local, err := s.DB.ReadIdentity(localKey)
	if err != nil {
		return err
	}
	if local == nil {
		log.Printf("Inbox: follow of unknown local user %s, ignoring", localKey)
		return nil
	}

	remoteKey := domain.IdentityKey{Protocol: "activitypub", ID: actor.ID}
	remote, err := s.DB.GetOrCreateIdentity(remoteKey, false, s.Conf.Conf.KeyBits)
	if err != nil {
		return err
	}
	if remote.ObjID == "" {
		if err := s.DB.UpdateIdentityObj(remote.Key, actor.ID); err != nil {
			return err
		}
	}

	_, err = s.DB.GetOrCreateFollower(remoteKey, local.Key, &db.FollowerMerge{
		Status:   status,
		FollowID: obj.ID,
	})
	return err
}

// localUserKey maps a bridged actor URL under our domain back to the
// identity it represents.
func (s *Server) localUserKey(actorURL string) (domain.IdentityKey, bool) {
	prefix := s.Conf.HostURL("ap/")
	if !strings.HasPrefix(actorURL, prefix) {
		return domain.IdentityKey{}, false
	}
	rest := strings.TrimPrefix(actorURL, prefix)
	proto, id, ok := strings.Cut(rest, "/")
	if !ok || proto == "" || id == "" {
		return domain.IdentityKey{}, false
	}
	return domain.IdentityKey{Protocol: proto, ID: id}, true
}

func actorOf(activity map[string]any) string {
	switch v := activity["actor"].(type) {
	case string:
		return v
	case map[string]any:
		id, _ := v["id"].(string)
		return id
	}
	return ""
}

func actorKeyPem(doc map[string]any) string {
	key, _ := doc["publicKey"].(map[string]any)
	pem, _ := key["publicKeyPem"].(string)
	return pem
}

func firstID(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
