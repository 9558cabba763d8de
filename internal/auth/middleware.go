package auth

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// CookieName is the session cookie set at login.
const CookieName = "portal_session"

var errNoSession = errors.New("no session cookie")

// Sessions binds tokens and revocations to gin requests.
type Sessions struct {
	tokens  *Tokens
	revoked Revocations
	secure  bool
}

// NewSessions creates the cookie-backed session manager.
func NewSessions(tokens *Tokens, revoked Revocations, secure bool) *Sessions {
	return &Sessions{tokens: tokens, revoked: revoked, secure: secure}
}

// Start issues a token for studentID and sets it as an HttpOnly cookie.
func (s *Sessions) Start(c *gin.Context, studentID int64) (Session, error) {
	sess, err := s.tokens.Issue(studentID)
	if err != nil {
		return Session{}, err
	}
	maxAge := int(time.Until(sess.ExpiresAt).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, sess.Token, maxAge, "/", "", s.secure, true)
	return sess, nil
}

// End revokes the current token, if any, and clears the cookie.
func (s *Sessions) End(c *gin.Context) {
	if sess, err := s.Current(c); err == nil {
		if err := s.revoked.Revoke(c.Request.Context(), sess.ID, sess.ExpiresAt); err != nil {
			log.Printf("session revoke failed: student=%d err=%v", sess.StudentID, err)
		}
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(CookieName, "", -1, "/", "", s.secure, true)
}

// Current verifies the request's session cookie.
func (s *Sessions) Current(c *gin.Context) (Session, error) {
	raw, err := c.Cookie(CookieName)
	if err != nil || raw == "" {
		return Session{}, errNoSession
	}
	sess, err := s.tokens.Parse(raw)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.revoked.Revoked(c.Request.Context(), sess.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, errors.New("session revoked")
	}
	return sess, nil
}

// RequireAPI rejects requests without a valid session with a JSON 401.
func (s *Sessions) RequireAPI() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := s.Current(c); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}
