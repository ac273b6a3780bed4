// Package command defines the mdkctl commands.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/relves/mdk/internal/config"
	"github.com/relves/mdk/internal/keyring"
	"github.com/relves/mdk/internal/storage/sqlite"
	"github.com/relves/mdk/pkg/nostr"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

const (
	metaConfig = "config"
	metaLogger = "logger"
)

var errMemoryBackend = errors.New("the memory backend keeps no state between runs")

func App() *cli.App {
	return &cli.App{
		Name:    "mdkctl",
		Usage:   "Inspect and maintain MLS group state stored by mdk",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"MDK_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "override storage.data_dir",
			},
		},
		Commands: []*cli.Command{
			GroupsCommand(),
			PruneCommand(),
			KeyringCommand(),
			DemoCommand(),
		},
		Before: before,
	}
}

func before(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if dir := c.String("data-dir"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(c.App.ErrWriter, opts)
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(c.App.ErrWriter, opts)
	}
	logger := slog.New(handler)

	if cfg.Storage.Keyring.Enabled {
		keyring.Init(keyring.OSStore{})
	}
	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[metaConfig] = cfg
	c.App.Metadata[metaLogger] = logger
	return nil
}

func getConfig(c *cli.Context) *config.Config {
	if cfg, ok := c.App.Metadata[metaConfig].(*config.Config); ok {
		return cfg
	}
	d := config.Default()
	return &d
}

func getLogger(c *cli.Context) *slog.Logger {
	if l, ok := c.App.Metadata[metaLogger].(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// storeManager opens identity databases under the configured data dir.
func storeManager(c *cli.Context) (*sqlite.StoreManager, error) {
	cfg := getConfig(c)
	if cfg.Storage.Backend == config.BackendMemory {
		return nil, errMemoryBackend
	}
	opts := []sqlite.ManagerOption{sqlite.WithStoreOptions(sqlite.WithLogger(getLogger(c)))}
	if cfg.Storage.Keyring.Enabled {
		opts = append(opts, sqlite.WithKeyring(nil, cfg.Storage.Keyring.Service))
	}
	return sqlite.NewStoreManager(cfg.Storage.DataDir, opts...), nil
}

// identities lists the identities that have a database under the data dir.
func identities(m *sqlite.StoreManager) ([]nostr.PublicKey, error) {
	entries, err := os.ReadDir(filepath.Join(m.BasePath(), "identities"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []nostr.PublicKey
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pk, err := nostr.ParsePublicKey(e.Name())
		if err != nil {
			continue
		}
		out = append(out, pk)
	}
	return out, nil
}

func identityFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "identity",
		Aliases:  []string{"i"},
		Usage:    "hex public key of the local identity",
		Required: true,
	}
}

func parseIdentity(c *cli.Context) (nostr.PublicKey, error) {
	pk, err := nostr.ParsePublicKey(c.String("identity"))
	if err != nil {
		return nostr.PublicKey{}, fmt.Errorf("invalid --identity: %w", err)
	}
	return pk, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
