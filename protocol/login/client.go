package login

import (
	"crypto/rsa"
	"encoding/binary"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/Zereker/otnet/crypto"
	"github.com/Zereker/otnet/message"
)

// Request is a login request as sent by a client.
type Request struct {
	OS       byte
	Version  uint16
	Key      [4]uint32
	Name     string
	Password string
}

// BuildRequest encodes r into the first frame of a login connection, the
// session key and credentials encrypted with pub.
func BuildRequest(pub *rsa.PublicKey, r Request) (*message.Outgoing, error) {
	return buildRequest(pub, r, 0)
}

func buildRequest(pub *rsa.PublicKey, r Request, validity byte) (*message.Outgoing, error) {
	block := make([]byte, pub.Size())
	need := 1 + 4*4 + 2 + len(r.Name) + 2 + len(r.Password)
	if need > len(block) {
		return nil, errors.Wrapf(ErrCredentialsTooLong, "%d bytes, block is %d", need, len(block))
	}

	block[0] = validity
	pos := 1
	for _, k := range r.Key {
		binary.LittleEndian.PutUint32(block[pos:], k)
		pos += 4
	}
	for _, s := range []string{r.Name, r.Password} {
		binary.LittleEndian.PutUint16(block[pos:], uint16(len(s)))
		pos += 2
		pos += copy(block[pos:], s)
	}

	if err := crypto.EncryptBlock(pub, block); err != nil {
		return nil, err
	}

	out := message.NewOutgoing()
	out.AddByte(ProtocolID)
	out.AddByte(r.OS)
	out.AddByte(versionFlag)
	out.AddU16(r.Version)
	out.AddPadding(fileChecksumSize, 0)
	out.AddBytes(block)
	return out, nil
}

// Response is a decoded login response.
type Response struct {
	// Rejected is set when the server answered with an error message.
	Rejected bool
	Error    string

	MotdID     int64
	Motd       string
	Characters []Character
	PremiumEnd uint32
}

// ReadResponse reads one encrypted response frame from r.
func ReadResponse(r io.Reader, x *crypto.Xtea) (*Response, error) {
	msg := message.NewIncoming()
	if _, err := io.ReadFull(r, msg.HeaderBuffer()); err != nil {
		return nil, err
	}
	body, err := msg.ParseHeader()
	if err != nil {
		return nil, err
	}
	if _, err = io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if err = msg.XteaDecrypt(x); err != nil {
		return nil, err
	}

	resp := &Response{}
	for msg.Remaining() > 0 {
		tag, err := msg.GetByte()
		if err != nil {
			return nil, err
		}

		switch tag {
		case ErrorTag:
			resp.Rejected = true
			if resp.Error, err = msg.GetString(); err != nil {
				return nil, err
			}
		case MotdTag:
			s, err := msg.GetString()
			if err != nil {
				return nil, err
			}
			id, motd, _ := strings.Cut(s, "\n")
			if resp.MotdID, err = strconv.ParseInt(id, 10, 64); err != nil {
				return nil, errors.Wrapf(err, "motd id %q", id)
			}
			resp.Motd = motd
		case CharacterListTag:
			if err = readCharacters(msg, resp); err != nil {
				return nil, err
			}
		default:
			return nil, errors.Wrapf(ErrUnknownTag, "%#02x", tag)
		}
	}
	return resp, nil
}

func readCharacters(msg *message.Incoming, resp *Response) error {
	n, err := msg.GetByte()
	if err != nil {
		return err
	}

	resp.Characters = make([]Character, 0, n)
	for i := 0; i < int(n); i++ {
		var ch Character
		if ch.Name, err = msg.GetString(); err != nil {
			return err
		}
		if ch.World, err = msg.GetString(); err != nil {
			return err
		}
		if ch.IP, err = msg.GetU32(); err != nil {
			return err
		}
		if ch.Port, err = msg.GetU16(); err != nil {
			return err
		}
		resp.Characters = append(resp.Characters, ch)
	}

	resp.PremiumEnd, err = msg.GetU32()
	return err
}
