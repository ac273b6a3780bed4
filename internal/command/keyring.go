package command

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/relves/mdk/internal/keyring"
)

var errKeyringDisabled = errors.New("storage.keyring.enabled is false")

func KeyringCommand() *cli.Command {
	return &cli.Command{
		Name:  "keyring",
		Usage: "Manage database encryption keys in the OS keyring",
		Subcommands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Report whether a database key exists for an identity",
				Flags:  []cli.Flag{identityFlag()},
				Action: keyringStatus,
			},
			{
				Name:   "init",
				Usage:  "Create the database key for an identity if it is missing",
				Flags:  []cli.Flag{identityFlag()},
				Action: keyringInit,
			},
			{
				Name:  "delete",
				Usage: "Delete the database key; the database becomes unreadable",
				Flags: []cli.Flag{
					identityFlag(),
					&cli.BoolFlag{Name: "yes", Usage: "confirm deletion"},
				},
				Action: keyringDelete,
			},
		},
	}
}

func keyringStore(c *cli.Context) (keyring.Store, string, error) {
	cfg := getConfig(c)
	if !cfg.Storage.Keyring.Enabled {
		return nil, "", errKeyringDisabled
	}
	s, err := keyring.Default()
	if err != nil {
		return nil, "", err
	}
	return s, cfg.Storage.Keyring.Service, nil
}

func keyringStatus(c *cli.Context) error {
	pk, err := parseIdentity(c)
	if err != nil {
		return err
	}
	s, service, err := keyringStore(c)
	if err != nil {
		return err
	}
	_, err = keyring.GetKey(s, service, pk.Hex())
	switch {
	case errors.Is(err, keyring.ErrNotFound):
		fmt.Fprintln(c.App.Writer, "missing")
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintln(c.App.Writer, "present")
	return nil
}

func keyringInit(c *cli.Context) error {
	pk, err := parseIdentity(c)
	if err != nil {
		return err
	}
	s, service, err := keyringStore(c)
	if err != nil {
		return err
	}
	if _, err := keyring.GetOrCreateKey(s, service, pk.Hex()); err != nil {
		return err
	}
	getLogger(c).Info("database key ready", "service", service, "identity", pk.Hex())
	return nil
}

func keyringDelete(c *cli.Context) error {
	if !c.Bool("yes") {
		return errors.New("refusing to delete without --yes")
	}
	pk, err := parseIdentity(c)
	if err != nil {
		return err
	}
	s, service, err := keyringStore(c)
	if err != nil {
		return err
	}
	if err := s.Delete(service, pk.Hex()); err != nil {
		return err
	}
	getLogger(c).Warn("deleted database key", "service", service, "identity", pk.Hex())
	return nil
}
