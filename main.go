// firmhack - rogue access point orchestration for traffic interception.
package main

import (
	"context"
	"fmt"
	"os"

	"firmhack/cmd"
	ferrors "firmhack/internal/errors"
	"firmhack/internal/signals"
	"firmhack/util"
)

func main() {
	logger := util.NewLogger(1)
	ctx, stop := signals.NotifyContext(context.Background(), logger)
	err := cmd.Execute(ctx, logger, os.Args[1:])
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "firmhack: %v\n", err)
	}
	os.Exit(ferrors.ExitCode(err))
}
