// Command loginclient performs one login against a login server and prints
// the character list.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Zereker/otnet/crypto"
	"github.com/Zereker/otnet/protocol/login"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	addr := flag.String("addr", "127.0.0.1:7171", "login server address")
	keyPath := flag.String("key", "", "PEM file with the server public or private RSA key")
	name := flag.String("name", "", "account name")
	password := flag.String("password", "", "account password")
	version := flag.Uint("version", 860, "client version")
	flag.Parse()

	pub, err := loadPublicKey(*keyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load rsa key")
	}

	req := login.Request{
		OS:       2,
		Version:  uint16(*version),
		Name:     *name,
		Password: *password,
	}
	if req.Key, err = sessionKey(); err != nil {
		log.Fatal().Err(err).Msg("failed to generate session key")
	}

	resp, err := exchange(*addr, pub, req)
	if err != nil {
		log.Fatal().Err(err).Msg("login failed")
	}

	if resp.Rejected {
		log.Warn().Str("message", resp.Error).Msg("login rejected")
		os.Exit(1)
	}

	log.Info().Int64("motd_id", resp.MotdID).Str("motd", resp.Motd).Uint32("premium_end", resp.PremiumEnd).Msg("logged in")
	for _, ch := range resp.Characters {
		ip := make(net.IP, 4)
		binary.LittleEndian.PutUint32(ip, ch.IP)
		fmt.Printf("%s\t%s\t%s:%d\n", ch.Name, ch.World, ip, ch.Port)
	}
}

func exchange(addr string, pub *rsa.PublicKey, req login.Request) (*login.Response, error) {
	x, err := crypto.NewXtea(req.Key)
	if err != nil {
		return nil, err
	}

	out, err := login.BuildRequest(pub, req)
	if err != nil {
		return nil, err
	}
	defer out.Release()

	frame, err := out.Encode()
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}
	defer conn.Close()

	if err = conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return nil, err
	}
	if _, err = conn.Write(frame); err != nil {
		return nil, errors.Wrap(err, "write request")
	}

	resp, err := login.ReadResponse(conn, x)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	return resp, nil
}

func sessionKey() ([4]uint32, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return [4]uint32{}, err
	}

	var key [4]uint32
	for i := range key {
		key[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return key, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, errors.New("-key is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("%s: no PEM block", path)
	}

	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if pub, ok := parsed.(*rsa.PublicKey); ok {
			return pub, nil
		}
	}

	key, err := crypto.LoadRsaPEM(path)
	if err != nil {
		return nil, err
	}
	return key.Public(), nil
}
