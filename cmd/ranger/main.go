package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err == flag.ErrHelp {
		os.Exit(1)
	} else if err == errBugsFound {
		os.Exit(2)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var cmd string
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "", "-h", "--help", "help":
		usage()
		return flag.ErrHelp
	case "run":
		return NewRunCommand().Run(ctx, args)
	case "master":
		return NewMasterCommand().Run(ctx, args)
	case "worker":
		return NewWorkerCommand().Run(ctx, args)
	default:
		return fmt.Errorf(`ranger %s: unknown command`, cmd)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `
Ranger is a distributed symbolic execution engine for Go code.

Usage:

	ranger <command> [arguments]

The commands are:

	run         explore a function on a single node
	master      coordinate a distributed run (rank 0)
	worker      join a distributed run
	help        this screen
`[1:])
}
