package command

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/relves/mdk/pkg/nostr"
)

func PruneCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete rollback snapshots older than engine.snapshot_ttl",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "identity",
				Aliases: []string{"i"},
				Usage:   "only prune this identity (default: every identity under the data dir)",
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "override engine.snapshot_ttl",
			},
		},
		Action: prune,
	}
}

func prune(c *cli.Context) error {
	cfg := getConfig(c)
	logger := getLogger(c)
	ttl := cfg.Engine.SnapshotTTL
	if c.IsSet("ttl") {
		ttl = c.Duration("ttl")
	}

	mgr, err := storeManager(c)
	if err != nil {
		return err
	}
	defer mgr.CloseAll()

	var targets []nostr.PublicKey
	if c.String("identity") != "" {
		pk, err := parseIdentity(c)
		if err != nil {
			return err
		}
		targets = append(targets, pk)
	} else if targets, err = identities(mgr); err != nil {
		return err
	}

	cutoff := uint64(max(time.Now().Add(-ttl).Unix(), 0))
	total := 0
	for _, pk := range targets {
		store, err := mgr.GetStore(pk)
		if err != nil {
			return fmt.Errorf("open store for %s: %w", pk.Hex(), err)
		}
		n, err := store.PruneExpiredSnapshots(c.Context, cutoff)
		if err != nil {
			return fmt.Errorf("prune %s: %w", pk.Hex(), err)
		}
		logger.Info("pruned snapshots", "identity", pk.Hex(), "count", n)
		total += n
	}
	fmt.Fprintf(c.App.Writer, "pruned %d snapshots across %d identities\n", total, len(targets))
	return nil
}
