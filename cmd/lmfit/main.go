// Command lmfit fits parametric curves to sampled data with the
// Levenberg-Marquardt optimizer and solves small dense linear systems.
//
// Problems are read as YAML from a file or stdin:
//
//	model: gaussian
//	t: [-1, -0.5, 0, 0.5, 1]
//	y: [0.4, 1.2, 2.9, 1.1, 0.5]
//	initial_guess: [2, 0, 0.7]
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
