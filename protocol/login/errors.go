package login

import (
	"strconv"

	"github.com/pkg/errors"
)

// LoginError is the reason a login attempt is rejected.
type LoginError int

// Login error kinds handed to the error hook.
const (
	NoError LoginError = iota
	BadClientVersion
	IpBanned
	IpDisabled
	EmptyCredentials
	BadCredentials
	GameNotRunning
)

var loginErrorNames = [...]string{
	NoError:          "no error",
	BadClientVersion: "bad client version",
	IpBanned:         "ip banned",
	IpDisabled:       "ip disabled",
	EmptyCredentials: "empty credentials",
	BadCredentials:   "bad credentials",
	GameNotRunning:   "game not running",
}

func (e LoginError) String() string {
	if e >= 0 && int(e) < len(loginErrorNames) {
		return loginErrorNames[e]
	}
	return "login error " + strconv.Itoa(int(e))
}

// Errors returned by the login package.
var (
	// ErrInvalidConfig is returned by NewService for incomplete configurations.
	ErrInvalidConfig = errors.New("invalid login config")
	// ErrTooManyCharacters is returned when a character list does not fit its one byte count.
	ErrTooManyCharacters = errors.New("too many characters")
	// ErrCredentialsTooLong is returned when credentials do not fit the RSA block.
	ErrCredentialsTooLong = errors.New("credentials do not fit the rsa block")
	// ErrUnknownTag is returned when a response carries an unknown section.
	ErrUnknownTag = errors.New("unknown response tag")
)
