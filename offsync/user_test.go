package offsync

import (
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func TestAnonymousUserIsLazy(t *testing.T) {
	user := NewAnonymousUser()
	assert.Equal(t, true, user.IsLazy())
	assert.Equal(t, true, user.IsLinked(AnonymousAuthType))

	// a server id resolves laziness
	user.SetObjectId("u-1")
	assert.Equal(t, false, user.IsLazy())
}

func TestUserLogOutInternal(t *testing.T) {
	user := NewAnonymousUser()
	user.SetSessionToken("r:token")
	user.setCurrent(true)

	user.LogOutInternal()

	assert.Equal(t, "", user.SessionToken())
	assert.Equal(t, false, user.IsCurrent())
	// a restored cache must not resume a dead anonymous identity
	assert.Equal(t, false, user.IsLinked(AnonymousAuthType))
}

func TestUserDocumentRoundtrip(t *testing.T) {
	user := NewUser()
	user.SetObjectId("u-1")
	user.SetSessionToken("r:token")
	user.Put("username", "ada")
	user.PutAuthData("github", map[string]any{"id": "gh-1"})

	decoded, err := UserFromDocument(user.ToDocument())
	assert.Equal(t, nil, err)
	assert.Equal(t, "u-1", decoded.ObjectId())
	assert.Equal(t, "r:token", decoded.SessionToken())
	assert.Equal(t, "ada", decoded.Get("username"))
	assert.Equal(t, "gh-1", decoded.AuthData("github")["id"])
	// current is a process-local flag, never persisted
	assert.Equal(t, false, decoded.IsCurrent())
}

func TestUserFromDocumentRejectsOtherClasses(t *testing.T) {
	object := NewObject("Thing")
	object.SetObjectId("obj-1")
	_, err := UserFromDocument(object.ToDocument())
	assert.NotEqual(t, err, nil)
}

func TestParseSessionClaims(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": "u-1",
		"exp": expiresAt.Unix(),
	})
	sessionToken, err := token.SignedString([]byte("test-secret"))
	assert.Equal(t, nil, err)

	claims, err := ParseSessionClaims(sessionToken)
	assert.Equal(t, nil, err)
	assert.Equal(t, "u-1", claims.UserId)
	assert.Equal(t, true, claims.ExpiresAt.Equal(expiresAt))
}

func TestParseSessionClaimsRejectsOpaqueToken(t *testing.T) {
	_, err := ParseSessionClaims("r:not-a-jwt")
	assert.NotEqual(t, err, nil)
	assert.Equal(t, ErrorInvalidSessionToken, CodeOf(err))
}
