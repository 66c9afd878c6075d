// Command loginserver serves the account login protocol.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Zereker/otnet"
	"github.com/Zereker/otnet/crypto"
	"github.com/Zereker/otnet/internal/config"
	"github.com/Zereker/otnet/internal/logging"
	"github.com/Zereker/otnet/message"
	"github.com/Zereker/otnet/protocol/login"
	"github.com/Zereker/otnet/scheduler"
)

const rsaBits = message.RsaBlockSize * 8

func main() {
	configPath := flag.String("config", "", "JSON configuration file")
	listen := flag.String("listen", "", "listen address, overrides listen_addr")
	port := flag.Int("port", 0, "login port, overrides login_port")
	level := flag.String("log-level", "", "debug, info, warn or error, overrides log_level")
	genKey := flag.String("genkey", "", "write a new RSA key in PEM format to this path and exit")
	flag.Parse()

	if *genKey != "" {
		if err := writeKey(*genKey); err != nil {
			fatalf("genkey: %v", err)
		}
		return
	}

	cfg, err := loadConfig(*configPath, *listen, *port, *level)
	if err != nil {
		fatalf("%v", err)
	}

	log := logging.Setup(cfg.LogLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("login server failed")
	}
	log.Info().Msg("login server stopped")
}

func loadConfig(path, listen string, port int, level string) (*config.Server, error) {
	cfg := &config.Server{}
	if path != "" {
		var err error
		if cfg, err = config.LoadServer(path); err != nil {
			return nil, err
		}
	}

	if listen != "" {
		cfg.ListenAddr = listen
	}
	if port != 0 {
		cfg.LoginPort = port
	}
	if level != "" {
		cfg.LogLevel = level
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Server, log zerolog.Logger) error {
	key, err := loadRsa(cfg, log)
	if err != nil {
		return err
	}

	logger := logging.NewZerolog(log)

	sched := scheduler.New(cfg.Workers, scheduler.LoggerOption(logger))
	defer sched.Close()

	manager := otnet.NewServiceManager(cfg.ListenAddr,
		otnet.ServiceLoggerOption(logger),
		otnet.MaxConnectionsOption(cfg.MaxConnections),
		otnet.ReusePortOption(cfg.ReusePort),
	)
	defer manager.Close()

	svc, err := login.NewService(cfg.LoginPort, login.Config{
		Rsa:        key,
		Accounts:   login.NewStaticAccounts(sched, staticAccounts(cfg.Accounts)...),
		Hooks:      login.DefaultHooks(cfg.MotdID, cfg.Motd),
		Scheduler:  sched,
		MinVersion: cfg.MinClientVersion,
		MaxVersion: cfg.MaxClientVersion,
		Logger:     logger,
	},
		otnet.ReadTimeoutOption(cfg.ReadTimeout.Duration),
		otnet.WriteTimeoutOption(cfg.WriteTimeout.Duration),
		otnet.LoggerOption(logger),
		otnet.MetricsOption(manager.Metrics()),
	)
	if err != nil {
		return err
	}
	if err = manager.Register(svc); err != nil {
		return err
	}

	task, err := sched.CallEvery(cfg.MetricsInterval.Duration, func() {
		log.Info().Fields(manager.Metrics().Snapshot().LogArgs()).Msg("metrics")
	})
	if err != nil {
		return err
	}
	defer task.Cancel()

	log.Info().
		Stringer("addr", manager.Addr(cfg.LoginPort)).
		Int("accounts", len(cfg.Accounts)).
		Msg("login server started")

	if err = manager.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadRsa(cfg *config.Server, log zerolog.Logger) (*crypto.Rsa, error) {
	switch {
	case cfg.RsaKeyFile != "":
		return crypto.LoadRsaPEM(cfg.RsaKeyFile)
	case cfg.RsaKey != nil:
		k := cfg.RsaKey
		return crypto.NewRsaFromDecimal(k.N, k.E, k.D, k.P, k.Q)
	}

	log.Warn().Msg("no rsa key configured, using a temporary key unknown to clients")
	key, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, errors.Wrap(err, "generate rsa key")
	}
	return crypto.NewRsa(key)
}

func staticAccounts(accounts []config.Account) []login.StaticAccount {
	out := make([]login.StaticAccount, 0, len(accounts))
	for _, acc := range accounts {
		chars := make([]login.Character, 0, len(acc.Characters))
		for _, ch := range acc.Characters {
			chars = append(chars, login.Character{
				Name:  ch.Name,
				World: ch.World,
				IP:    login.IPv4(net.ParseIP(ch.IP)),
				Port:  ch.Port,
			})
		}

		out = append(out, login.StaticAccount{
			Account: login.Account{
				ID:         acc.ID,
				Name:       acc.Name,
				PremiumEnd: acc.PremiumEnd,
				Characters: chars,
			},
			Password:     acc.Password,
			PasswordHash: acc.PasswordHash,
		})
	}
	return out
}

func writeKey(path string) error {
	key, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return err
	}

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
