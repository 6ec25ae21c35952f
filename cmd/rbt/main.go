// Command rbt is the CLI entry point; all the logic lives in cli/cmd and
// cli/app so it can be tested without a real process boundary.
package main

import (
	"context"
	"os"

	"github.com/FollowTheProcess/msg"

	"go.followtheprocess.codes/rbt/cli/cmd"
)

func main() {
	if err := run(); err != nil {
		msg.Failf("%s", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := cmd.BuildRootCmd()
	return rootCmd.ExecuteContext(context.Background())
}
