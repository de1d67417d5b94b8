package main

import (
	"fmt"
	"os"
)

func usage() {
	fmt.Fprintf(os.Stderr, `xicsctl - exercise and inspect an emulated XICS interrupt controller

USAGE:
  xicsctl run [flags]              Build a machine and run the interrupt workload
  xicsctl trace [flags] <file>     Print entries of a binary debug trace
  xicsctl timeslice <file>         Summarize a timeslice recording

Run "xicsctl <command> -h" for the flags of a command.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "trace":
		err = traceCommand(os.Args[2:])
	case "timeslice":
		err = timesliceCommand(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "xicsctl: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "xicsctl: %v\n", err)
		os.Exit(1)
	}
}
