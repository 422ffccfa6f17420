package policy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

const loadTimeout = 30 * time.Second

// Applier loads rulesets with nft -f through a private temporary file.
type Applier struct {
	nftPath string
	dir     string
	run     Runner
}

// NewApplier creates an applier. An empty dir uses the system temp dir.
func NewApplier(nftPath, dir string) *Applier {
	if nftPath == "" {
		nftPath = "nft"
	}
	if dir == "" {
		dir = os.TempDir()
	}
	return &Applier{nftPath: nftPath, dir: dir, run: execRunner}
}

// WithRunner replaces the command runner.
func (a *Applier) WithRunner(run Runner) *Applier {
	a.run = run
	return a
}

// Apply loads ruleset into the kernel, replacing the active ruleset.
func (a *Applier) Apply(ctx context.Context, ruleset string) error {
	err := a.load(ctx, ruleset)
	if err != nil {
		metrics().Applies.WithLabelValues("error").Inc()
		return err
	}
	metrics().Applies.WithLabelValues("ok").Inc()
	return nil
}

// Check asks nft to parse ruleset without committing it.
func (a *Applier) Check(ctx context.Context, ruleset string) error {
	return a.load(ctx, ruleset, "-c")
}

func (a *Applier) load(ctx context.Context, ruleset string, flags ...string) error {
	path := filepath.Join(a.dir, "wgingress-"+uuid.NewString()+".nft")

	// O_EXCL with O_NOFOLLOW refuses both an existing file and a planted symlink.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|oNoFollow, 0600)
	if err != nil {
		return fmt.Errorf("create ruleset file: %w", err)
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn().Err(rmErr).Str("path", path).Msg("failed to remove ruleset file")
		}
	}()

	if _, err := f.WriteString(ruleset); err != nil {
		_ = f.Close()
		return fmt.Errorf("write ruleset file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close ruleset file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()

	args := append(append([]string{}, flags...), "-f", path)
	out, err := a.run(ctx, a.nftPath, args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("%s -f: %w: %s", a.nftPath, err, msg)
		}
		return fmt.Errorf("%s -f: %w", a.nftPath, err)
	}

	log.Info().Str("path", path).Msg("ruleset loaded")
	return nil
}
