package login

import (
	"encoding/binary"
	"net"
)

// Character is an entry of the character list sent on success.
type Character struct {
	Name  string
	World string
	IP    uint32 // IPv4 as the client reads it, see IPv4
	Port  uint16
}

// IPv4 converts ip into the wire representation of Character.IP.
// Non IPv4 addresses yield zero.
func IPv4(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(v4)
}

// SucceedResult is what the succeed hook returns for an accepted login.
type SucceedResult struct {
	MotdID     int64
	Motd       string
	Characters []Character
	PremiumEnd uint32
}

// SucceedHook builds the response of a successful login for the peer
// address. An error drops the connection without a response.
type SucceedHook func(peer string, acc *Account) (SucceedResult, error)

// ErrorHook returns the message shown to the client for a rejected login.
// An error drops the connection without a response.
type ErrorHook func(kind LoginError, peer string) (string, error)

// Hooks are the extension points of the login protocol. Hooks run on the
// scheduler loop, never concurrently with each other.
type Hooks struct {
	Succeed SucceedHook
	Error   ErrorHook
}

// DefaultHooks returns hooks answering with motd and the account's own
// characters, and with the error kind as message.
func DefaultHooks(motdID int64, motd string) Hooks {
	return Hooks{
		Succeed: func(_ string, acc *Account) (SucceedResult, error) {
			return SucceedResult{
				MotdID:     motdID,
				Motd:       motd,
				Characters: acc.Characters,
				PremiumEnd: acc.PremiumEnd,
			}, nil
		},
		Error: func(kind LoginError, _ string) (string, error) {
			return kind.String(), nil
		},
	}
}

// PeerFilter reports whether the peer may log in: NoError, IpBanned or
// IpDisabled.
type PeerFilter func(ip net.IP) LoginError
