package offsync

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/google/uuid"
)

const UserClassName = "_User"

const AnonymousAuthType = "anonymous"

type User struct {
	Object

	sessionToken string
	// auth type -> provider payload. a nil payload means unlinked.
	authData map[string]map[string]any
	// whether this instance is the process-wide current user
	current bool
}

func NewUser() *User {
	user := &User{
		authData: map[string]map[string]any{},
	}
	user.Object.className = UserClassName
	user.Object.serverData = map[string]any{}
	user.Object.operationSetQueue = []*OperationSet{}
	user.Object.currentOperations = NewOperationSet()
	return user
}

// a lazily created placeholder that becomes a server-backed user on first save
func NewAnonymousUser() *User {
	user := NewUser()
	user.authData[AnonymousAuthType] = map[string]any{
		"id": uuid.NewString(),
	}
	return user
}

func (self *User) SessionToken() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sessionToken
}

func (self *User) SetSessionToken(sessionToken string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.sessionToken = sessionToken
}

func (self *User) IsCurrent() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.current
}

func (self *User) setCurrent(current bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.current = current
}

func (self *User) AuthData(authType string) map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.authData[authType]
}

func (self *User) PutAuthData(authType string, data map[string]any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.authData[authType] = data
}

func (self *User) IsLinked(authType string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.authData[authType] != nil
}

// a lazy user has not reached the server yet:
// no object id and only an anonymous link
func (self *User) IsLazy() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.objectId == "" && self.authData[AnonymousAuthType] != nil
}

// user-level logout. clears the session and unlinks anonymity so a
// restored cache cannot resume a dead anonymous identity.
// server-side session revocation happens in the command layer above.
func (self *User) LogOutInternal() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.sessionToken = ""
	self.current = false
	delete(self.authData, AnonymousAuthType)
}

type SessionClaims struct {
	UserId    string
	ExpiresAt time.Time
}

// decodes the session token claims without signature verification.
// the server is the verifier; locally the claims only gate a refresh.
func ParseSessionClaims(sessionToken string) (*SessionClaims, error) {
	claims := gojwt.MapClaims{}
	_, _, err := gojwt.NewParser().ParseUnverified(sessionToken, claims)
	if err != nil {
		return nil, WrapError(ErrorInvalidSessionToken, "cannot parse session token", err)
	}
	sessionClaims := &SessionClaims{}
	if sub, err := claims.GetSubject(); err == nil {
		sessionClaims.UserId = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		sessionClaims.ExpiresAt = exp.Time
	}
	return sessionClaims, nil
}

// the persisted current user document:
// the object document plus session token and auth data
func (self *User) ToDocument() map[string]any {
	document := self.Object.ToDocument()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.sessionToken != "" {
		document["sessionToken"] = self.sessionToken
	}
	if 0 < len(self.authData) {
		authData := map[string]any{}
		for authType, data := range self.authData {
			authData[authType] = data
		}
		document["authData"] = authData
	}
	return document
}

func UserFromDocument(document map[string]any) (*User, error) {
	object, err := ObjectFromDocument(document)
	if err != nil {
		return nil, err
	}
	if object.ClassName() != UserClassName {
		return nil, fmt.Errorf("document is not a user: %s", object.ClassName())
	}
	user := NewUser()
	user.objectId = object.objectId
	user.serverData = object.serverData
	if sessionToken, ok := document["sessionToken"].(string); ok {
		user.sessionToken = sessionToken
	}
	if authData, ok := document["authData"].(map[string]any); ok {
		for authType, data := range authData {
			if dataMap, ok := data.(map[string]any); ok {
				user.authData[authType] = dataMap
			}
		}
	}
	return user, nil
}
