package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/artifact-chat/internal/identity"
)

const IdentityKey = "identity"

// Identity resolves the caller to a user or an anonymous session. Authentication is optional:
// every request gets an identity, and a freshly minted anonymous token is echoed back in
// X-Session-ID so the client can reuse it.
func Identity(r *identity.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, minted := r.Resolve(c.Request)
		if minted || id.IsAnonymous() {
			c.Header(identity.HeaderSessionID, id.SessionToken)
		}
		c.Set(IdentityKey, id)
		c.Next()
	}
}

// IdentityFrom returns the identity stored by Identity.
func IdentityFrom(c *gin.Context) (identity.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return identity.Identity{}, false
	}
	id, ok := v.(identity.Identity)
	return id, ok
}
