package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jirutka/knot-resolver/service/control"
)

var (
	controlCmd = &cobra.Command{
		Use:   "control <socket> [command...]",
		Short: "Send commands to a running daemon",
		Long: `Send commands to the control socket of a running daemon, found in
"tty/<pid>" below its rundir. Without commands, they are read from stdin
line by line.`,
		Args: cobra.MinimumNArgs(1),
		RunE: cmdControl,

		SilenceUsage: true,
	}

	controlTimeout time.Duration
)

func init() {
	controlCmd.Flags().DurationVar(&controlTimeout, "timeout", 5*time.Second, "timeout for connecting")
}

func cmdControl(cmd *cobra.Command, args []string) error {
	client, err := control.Dial(args[0], controlTimeout)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exchange := func(command string) error {
		reply, err := client.Exchange(command)
		if err != nil {
			return err
		}
		if reply != "" {
			fmt.Fprintln(cmd.OutOrStdout(), reply)
		}
		return nil
	}

	if len(args) > 1 {
		for _, command := range args[1:] {
			if err := exchange(command); err != nil {
				return err
			}
		}
		return nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := exchange(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}
