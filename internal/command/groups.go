package command

import (
	"encoding/hex"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/relves/mdk/pkg/nostr"
	"github.com/relves/mdk/pkg/types"
)

// groupSummary is the printable view of a group. Image keys are omitted.
type groupSummary struct {
	MLSGroupID   types.GroupID     `json:"mls_group_id"`
	NostrGroupID string            `json:"nostr_group_id"`
	Name         string            `json:"name"`
	Epoch        uint64            `json:"epoch"`
	State        types.GroupState  `json:"state"`
	Admins       []nostr.PublicKey `json:"admins"`
	Relays       []string          `json:"relays"`
	LastMessage  *nostr.EventID    `json:"last_message,omitempty"`
}

func GroupsCommand() *cli.Command {
	return &cli.Command{
		Name:  "groups",
		Usage: "Inspect stored groups",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List the groups of an identity",
				Flags:  []cli.Flag{identityFlag()},
				Action: groupsList,
			},
			{
				Name:  "snapshots",
				Usage: "List the rollback snapshots kept for a group",
				Flags: []cli.Flag{
					identityFlag(),
					&cli.StringFlag{Name: "group", Aliases: []string{"g"}, Usage: "hex MLS group id", Required: true},
				},
				Action: groupsSnapshots,
			},
		},
	}
}

func groupsList(c *cli.Context) error {
	pk, err := parseIdentity(c)
	if err != nil {
		return err
	}
	mgr, err := storeManager(c)
	if err != nil {
		return err
	}
	defer mgr.CloseAll()
	store, err := mgr.GetStore(pk)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	ctx := c.Context
	groups, err := store.AllGroups(ctx)
	if err != nil {
		return err
	}
	out := make([]groupSummary, 0, len(groups))
	for _, g := range groups {
		relays, err := store.GroupRelays(ctx, g.MLSGroupID)
		if err != nil {
			return err
		}
		s := groupSummary{
			MLSGroupID:   g.MLSGroupID,
			NostrGroupID: hex.EncodeToString(g.NostrGroupID[:]),
			Name:         g.Name,
			Epoch:        g.Epoch,
			State:        g.State,
			Admins:       g.AdminPubkeys,
			LastMessage:  g.LastMessageID,
		}
		for _, r := range relays {
			s.Relays = append(s.Relays, r.RelayURL)
		}
		out = append(out, s)
	}
	return printJSON(c.App.Writer, out)
}

func groupsSnapshots(c *cli.Context) error {
	pk, err := parseIdentity(c)
	if err != nil {
		return err
	}
	var id types.GroupID
	if err := id.UnmarshalText([]byte(c.String("group"))); err != nil {
		return fmt.Errorf("invalid --group: %w", err)
	}
	mgr, err := storeManager(c)
	if err != nil {
		return err
	}
	defer mgr.CloseAll()
	store, err := mgr.GetStore(pk)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	snaps, err := store.ListGroupSnapshots(c.Context, id)
	if err != nil {
		return err
	}
	type row struct {
		Name      string `json:"name"`
		CreatedAt uint64 `json:"created_at"`
	}
	out := make([]row, len(snaps))
	for i, s := range snaps {
		out[i] = row{Name: s.Name, CreatedAt: s.CreatedAt}
	}
	return printJSON(c.App.Writer, out)
}
