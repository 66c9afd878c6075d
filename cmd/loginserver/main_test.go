package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/otnet/internal/config"
	"github.com/Zereker/otnet/message"
)

func TestLoadConfig_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "login.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"login_port": 7272, "log_level": "debug"}`), 0o600))

	cfg, err := loadConfig(path, "127.0.0.1", 7373, "")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.ListenAddr)
	assert.Equal(t, 7373, cfg.LoginPort)
	assert.Equal(t, "debug", cfg.LogLevel)

	_, err = loadConfig("", "", 70000, "")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestLoadRsa(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, writeKey(path))

	key, err := loadRsa(&config.Server{RsaKeyFile: path}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, message.RsaBlockSize, key.BlockSize())

	key, err = loadRsa(&config.Server{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, message.RsaBlockSize, key.BlockSize())
}

func TestStaticAccounts(t *testing.T) {
	accounts := staticAccounts([]config.Account{{
		ID:       1,
		Name:     "alice",
		Password: "secret",
		Characters: []config.Character{
			{Name: "Knight", World: "Antica", IP: "127.0.0.1", Port: 7172},
		},
	}})

	require.Len(t, accounts, 1)
	assert.Equal(t, "alice", accounts[0].Name)
	assert.Equal(t, uint32(0x0100007f), accounts[0].Characters[0].IP)
	assert.Equal(t, uint16(7172), accounts[0].Characters[0].Port)
}
