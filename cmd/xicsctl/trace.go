package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/tinyrange/xics/internal/debug"
	"github.com/tinyrange/xics/internal/timeslice"
)

func traceCommand(args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	source := fs.String("source", "", "regex to filter sources")
	match := fs.String("match", "", "regex to filter messages")
	limit := fs.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := fs.Bool("tail", false, "show last N entries instead of first N")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `xicsctl trace - inspect a binary debug trace

USAGE:
  xicsctl trace [flags] <filename>

FLAGS:
  -source REGEX  Only show entries where source matches regex
  -match REGEX   Only show entries where message matches regex
  -limit N       Max entries to print (default: 100, 0 for unlimited)
  -tail          Show last N entries instead of first N

EXAMPLES:
  xicsctl trace -match 'icp 1:' trace.bin       Transitions of server 1
  xicsctl trace -source xics -tail trace.bin    Last 100 controller entries
`)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	opts := debug.SearchOptions{Limit: *limit, Tail: *tail}
	var err error
	if *source != "" {
		if opts.Source, err = regexp.Compile(*source); err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
	}
	if *match != "" {
		if opts.Match, err = regexp.Compile(*match); err != nil {
			return fmt.Errorf("invalid match regex: %w", err)
		}
	}

	entries, err := debug.ReadFile(fs.Arg(0), opts)
	if err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}
	for _, e := range entries {
		fmt.Println(e)
	}
	return nil
}

func timesliceCommand(args []string) error {
	fs := flag.NewFlagSet("timeslice", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	return printTimeslices(os.Stdout, fs.Arg(0))
}

func printTimeslices(w io.Writer, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open timeslice file: %w", err)
	}
	defer f.Close()

	summaries, err := timeslice.Summarize(f)
	if err != nil {
		return fmt.Errorf("failed to read timeslice file: %w", err)
	}
	for _, s := range summaries {
		fmt.Fprintf(w, "% 28s flags=% 14s count=% 8d sum=% 14s max=% 14s avg=% 14s\n",
			s.Name, s.Flags, s.Count, s.Total, s.Max, s.Mean())
	}
	return nil
}
