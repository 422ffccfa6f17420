package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wgingress/wgingress/internal/wireguard"
)

// LoadOrCreateKey returns the key pair stored at path. On first use a new
// private key is generated and written there with mode 0600, so the agent
// keeps its identity across restarts.
func LoadOrCreateKey(path string) (privateKey, publicKey string, err error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := wgtypes.ParseKey(strings.TrimSpace(string(data)))
		if err != nil {
			return "", "", fmt.Errorf("parse private key %s: %w", path, err)
		}
		return key.String(), key.PublicKey().String(), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", "", fmt.Errorf("read private key: %w", err)
	}

	privateKey, publicKey, err = wireguard.GenerateKeyPair()
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", "", fmt.Errorf("create key directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", "", fmt.Errorf("create private key file: %w", err)
	}
	if _, err := f.WriteString(privateKey + "\n"); err != nil {
		_ = f.Close()
		return "", "", fmt.Errorf("write private key: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", "", fmt.Errorf("close private key file: %w", err)
	}

	log.Info().Str("path", path).Msg("generated agent key")
	return privateKey, publicKey, nil
}
