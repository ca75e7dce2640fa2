package offsync

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// id for local records (pins, local object ids).
// ulid-backed, so lexical order of the string form follows creation order.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

// canonical lowercase dashed hex form
func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}

// accepts only the canonical form produced by `String`. a stored id that
// does not parse back was not written by this code.
func ParseId(idStr string) (Id, error) {
	var id Id
	if len(idStr) != 36 || idStr[8] != '-' || idStr[13] != '-' || idStr[18] != '-' || idStr[23] != '-' {
		return id, fmt.Errorf("cannot parse id %q", idStr)
	}
	idBytes, err := hex.DecodeString(idStr[0:8] + idStr[9:13] + idStr[14:18] + idStr[19:23] + idStr[24:])
	if err != nil {
		return id, err
	}
	copy(id[:], idBytes)
	return id, nil
}

// stable error codes surfaced to callers
// callers never see raw i/o error types, only these
type ErrorCode int

const (
	ErrorOtherCause          ErrorCode = -1
	ErrorConnectionFailed    ErrorCode = 100
	ErrorObjectNotFound      ErrorCode = 101
	ErrorCacheMiss           ErrorCode = 120
	ErrorCommandUnavailable  ErrorCode = 115
	ErrorInvalidSessionToken ErrorCode = 209
)

type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

func (self *Error) Error() string {
	if self.cause != nil {
		return fmt.Sprintf("%s (%d): %s", self.Message, self.Code, self.cause)
	}
	return fmt.Sprintf("%s (%d)", self.Message, self.Code)
}

func (self *Error) Unwrap() error {
	return self.cause
}

// the code of an error if it is an `*Error`, else `ErrorOtherCause`
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrorOtherCause
}
