package dlock

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func statusCommand(registerShutdown registerShutdownFn) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "print whether a lock is currently held",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "name",
				Usage:    "Name of the lock",
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			manager, _, err := newManager(ctx, cmd, registerShutdown)
			if err != nil {
				return err
			}

			name := cmd.String("name")

			held, err := manager.IsHeld(ctx, name)
			if err != nil {
				return err
			}

			state := "free"
			if held {
				state = "held"
			}

			_, err = fmt.Fprintf(cmd.Root().Writer, "%s\t%s\t%s\n", name, manager.Key(name), state)

			return err
		},
	}
}
