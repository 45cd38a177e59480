package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/joi/internal/config"
	"github.com/dohr-michael/joi/internal/secrets"
)

// NewSecretCommand returns the secret subcommand.
func NewSecretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "Manage age-encrypted values in ~/.joi/.env",
		Commands: []*cli.Command{
			{
				Name:   "keygen",
				Usage:  "Create the age identity if it does not exist",
				Action: runSecretKeygen,
			},
			{
				Name:      "set",
				Usage:     "Encrypt a value and store it in .env",
				ArgsUsage: "<NAME> <value>",
				Action:    runSecretSet,
			},
		},
	}
}

func runSecretKeygen(_ context.Context, _ *cli.Command) error {
	path := secrets.KeyPath()
	if err := secrets.GenerateIdentity(path); err != nil {
		return err
	}
	id, err := secrets.LoadIdentity(path)
	if err != nil {
		return err
	}
	fmt.Printf("Identity: %s\nRecipient: %s\n", path, id.Recipient())
	return nil
}

func runSecretSet(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return fmt.Errorf("usage: joi secret set <NAME> <value>")
	}
	name, value := cmd.Args().Get(0), cmd.Args().Get(1)

	path := secrets.KeyPath()
	if err := secrets.GenerateIdentity(path); err != nil {
		return err
	}
	id, err := secrets.LoadIdentity(path)
	if err != nil {
		return err
	}
	blob, err := secrets.Encrypt(value, id.Recipient())
	if err != nil {
		return err
	}
	if err := secrets.SetEntry(config.DotenvPath(), name, blob); err != nil {
		return err
	}
	fmt.Printf("%s encrypted into %s. Send SIGHUP to joi serve to pick it up.\n", name, config.DotenvPath())
	return nil
}
