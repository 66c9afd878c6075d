// Package login implements the account login protocol: a single request
// carrying the RSA encrypted session key and credentials, answered by an
// XTEA encrypted character list or error message, after which the
// connection is closed.
package login

import (
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/Zereker/otnet"
	"github.com/Zereker/otnet/crypto"
	"github.com/Zereker/otnet/message"
	"github.com/Zereker/otnet/protocol"
	"github.com/Zereker/otnet/scheduler"
)

// Name is the service and protocol name.
const Name = "login"

// Request layout.
const (
	// ProtocolID identifies the login protocol in the first byte of the request.
	ProtocolID byte = 0x01
	// versionFlag precedes the client version.
	versionFlag byte = 0x01
	// fileChecksumSize is the size of the client data file signatures, not validated.
	fileChecksumSize = 12
)

// Response section tags.
const (
	ErrorTag         byte = 0x0A
	MotdTag          byte = 0x14
	CharacterListTag byte = 0x64
)

// MaxCharacters is the largest character list a response can carry.
const MaxCharacters = 255

// Config holds the collaborators shared by every login connection.
type Config struct {
	Rsa       *crypto.Rsa
	Accounts  AccountLoader
	Hooks     Hooks
	Scheduler *scheduler.Scheduler

	// MinVersion and MaxVersion bound the accepted client versions.
	// Zero leaves the bound open.
	MinVersion uint16
	MaxVersion uint16

	// PeerFilter, if set, may ban or disable peers by address.
	PeerFilter PeerFilter
	// GameRunning, if set, rejects logins while it reports false.
	GameRunning func() bool

	Logger otnet.Logger
}

func (cfg *Config) validate() error {
	switch {
	case cfg.Rsa == nil:
		return errors.Wrap(ErrInvalidConfig, "rsa key is required")
	case cfg.Rsa.BlockSize() != message.RsaBlockSize:
		return errors.Wrapf(ErrInvalidConfig, "rsa key of %d bytes, want %d", cfg.Rsa.BlockSize(), message.RsaBlockSize)
	case cfg.Accounts == nil:
		return errors.Wrap(ErrInvalidConfig, "account loader is required")
	case cfg.Scheduler == nil:
		return errors.Wrap(ErrInvalidConfig, "scheduler is required")
	case cfg.Hooks.Succeed == nil || cfg.Hooks.Error == nil:
		return errors.Wrap(ErrInvalidConfig, "both hooks are required")
	case cfg.MaxVersion != 0 && cfg.MinVersion > cfg.MaxVersion:
		return errors.Wrapf(ErrInvalidConfig, "version range %d-%d", cfg.MinVersion, cfg.MaxVersion)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return nil
}

func (cfg *Config) versionAllowed(v uint16) bool {
	if cfg.MinVersion != 0 && v < cfg.MinVersion {
		return false
	}
	if cfg.MaxVersion != 0 && v > cfg.MaxVersion {
		return false
	}
	return true
}

// NewService returns the login service for port. The connection options
// are appended to the standard protocol defaults.
func NewService(port int, cfg Config, opts ...otnet.Option) (*otnet.BasicService, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	opts = append(protocol.Options(), opts...)
	return otnet.NewBasicService(Name, port, func() otnet.Protocol {
		return newProtocol(&cfg)
	}, opts...), nil
}

// Protocol handles a single login attempt.
type Protocol struct {
	protocol.StandardProtocol

	cfg   *Config
	state atomic.Int32
}

// New returns a protocol for one connection.
func New(cfg *Config) (*Protocol, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return newProtocol(cfg), nil
}

func newProtocol(cfg *Config) *Protocol {
	return &Protocol{cfg: cfg}
}

// Name implements otnet.Protocol.
func (p *Protocol) Name() string {
	return Name
}

// State returns the progress of the attempt.
func (p *Protocol) State() State {
	return State(p.state.Load())
}

func (p *Protocol) setState(s State) {
	p.state.Store(int32(s))
}

// ConnectionLost implements otnet.Protocol.
func (p *Protocol) ConnectionLost() {
	if !p.State().Terminal() {
		p.setState(Failed)
	}
	p.StandardProtocol.ConnectionLost()
}

// HandleFirstMessage runs the login. Malformed frames return an error and
// abort the connection; rejected attempts are answered through the hooks.
func (p *Protocol) HandleFirstMessage(msg *message.Incoming) error {
	c := p.Conn()
	if c == nil {
		return otnet.ErrConnectionClosed
	}
	c.StopReceiving()

	p.setState(ValidatingVersion)
	if err := msg.Checksum(); err != nil {
		p.setState(Failed)
		return err
	}

	version, os, err := readHeader(msg)
	if err != nil {
		p.setState(Failed)
		return err
	}
	if !p.cfg.versionAllowed(version) {
		// no response before the session key is known
		p.drop("unsupported client version", "version", version, "os", os)
		return nil
	}

	p.setState(AwaitingRsaResult)
	if err = msg.RsaDecrypt(p.cfg.Rsa); err != nil {
		if errors.Is(err, message.ErrBufferOverrun) {
			p.setState(Failed)
			return err
		}
		p.drop("rsa decryption error", "error", err)
		return nil
	}

	validity, err := msg.GetByte()
	if err != nil {
		p.setState(Failed)
		return err
	}
	if validity != 0 {
		p.drop("rsa decryption error", "validity", validity)
		return nil
	}

	key, err := msg.XteaKey()
	if err != nil {
		p.setState(Failed)
		return err
	}
	x, err := crypto.NewXtea(key)
	if err != nil {
		p.setState(Failed)
		return err
	}
	p.SetXtea(x)

	p.setState(AwaitingCredentials)
	name, err := msg.GetString()
	if err != nil {
		p.setState(Failed)
		return err
	}
	password, err := msg.GetString()
	if err != nil {
		p.setState(Failed)
		return err
	}
	name = strings.TrimSpace(name)
	password = strings.TrimSpace(password)

	peer := c.PeerIP().String()

	if kind := p.checkPeer(c); kind != NoError {
		p.fail(kind, peer)
		return nil
	}
	if name == "" || password == "" {
		p.fail(EmptyCredentials, peer)
		return nil
	}

	p.cfg.Accounts.LoadAccount(c.Context(), name, password, func(acc *Account) {
		if acc == nil {
			p.fail(BadCredentials, peer)
			return
		}
		p.succeed(peer, acc)
	})
	return nil
}

// readHeader reads the fields preceding the RSA block.
func readHeader(msg *message.Incoming) (version uint16, os byte, err error) {
	if _, err = msg.GetByte(); err != nil { // protocol id
		return 0, 0, err
	}
	if os, err = msg.GetByte(); err != nil {
		return 0, 0, err
	}
	if err = msg.Skip(1); err != nil { // version flag
		return 0, 0, err
	}
	if version, err = msg.GetU16(); err != nil {
		return 0, 0, err
	}
	if err = msg.Skip(fileChecksumSize); err != nil {
		return 0, 0, err
	}
	return version, os, nil
}

func (p *Protocol) checkPeer(c *otnet.Conn) LoginError {
	if p.cfg.PeerFilter != nil {
		if kind := p.cfg.PeerFilter(c.PeerIP()); kind != NoError {
			return kind
		}
	}
	if p.cfg.GameRunning != nil && !p.cfg.GameRunning() {
		return GameNotRunning
	}
	return NoError
}

// fail answers with the message of the error hook.
func (p *Protocol) fail(kind LoginError, peer string) {
	p.setState(Failed)
	p.cfg.Logger.Debug("login rejected", "peer", peer, "reason", kind.String())

	p.respond(func() (*message.Outgoing, error) {
		text, err := p.cfg.Hooks.Error(kind, peer)
		if err != nil {
			return nil, err
		}

		out := message.NewOutgoingType(ErrorTag)
		out.AddString(text)
		return out, nil
	})
}

// succeed answers with the character list of the succeed hook.
func (p *Protocol) succeed(peer string, acc *Account) {
	p.respond(func() (*message.Outgoing, error) {
		res, err := p.cfg.Hooks.Succeed(peer, acc)
		if err != nil {
			return nil, err
		}

		out, err := buildSuccess(res)
		if err != nil {
			return nil, err
		}
		p.setState(Succeeded)
		p.cfg.Logger.Debug("login succeeded", "peer", peer, "account", acc.Name)
		return out, nil
	})
}

// respond builds the response on the scheduler loop and sends it. Hook
// failures drop the connection without a response.
func (p *Protocol) respond(build func() (*message.Outgoing, error)) {
	err := p.cfg.Scheduler.CallLater(func() {
		out, err := callHook(build)
		if err != nil {
			p.drop("login hook failed", "error", err)
			return
		}

		if err = p.SendEncryptedAndStop(out); err != nil {
			p.drop("login response not sent", "error", err)
		}
	})
	if err != nil {
		p.drop("login response not scheduled", "error", err)
	}
}

func callHook(build func() (*message.Outgoing, error)) (out *message.Outgoing, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, errors.Wrapf(otnet.ErrProtocolPanic, "hook: %v", r)
		}
	}()
	return build()
}

// drop closes the connection without a response.
func (p *Protocol) drop(reason string, args ...any) {
	p.setState(Failed)
	p.cfg.Logger.Info(reason, append(args, p.DroppingInfo()...)...)

	if c := p.Conn(); c != nil {
		_ = c.Stop()
	}
}

func buildSuccess(res SucceedResult) (*message.Outgoing, error) {
	if len(res.Characters) > MaxCharacters {
		return nil, errors.Wrapf(ErrTooManyCharacters, "%d characters", len(res.Characters))
	}

	out := message.NewOutgoingType(MotdTag)
	out.AddString(strconv.FormatInt(res.MotdID, 10) + "\n" + res.Motd)

	out.AddByte(CharacterListTag)
	out.AddByte(byte(len(res.Characters)))
	for _, ch := range res.Characters {
		out.AddString(ch.Name)
		out.AddString(ch.World)
		out.AddU32(ch.IP)
		out.AddU16(ch.Port)
	}
	out.AddU32(res.PremiumEnd)

	if err := out.Err(); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}
