package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/xics/internal/config"
	"github.com/tinyrange/xics/internal/debug"
	"github.com/tinyrange/xics/internal/stress"
	"github.com/tinyrange/xics/internal/timeslice"
)

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "machine description (YAML); built-in default when empty")
	tracePath := fs.String("trace", "", "write a binary debug trace to this file")
	timeslicePath := fs.String("timeslice", "", "record hypercall timings to this file")
	interrupts := fs.Int("interrupts", -1, "override events injected per source")
	ipis := fs.Int("ipis", -1, "override IPIs sent per vCPU")
	dump := fs.Bool("dump", false, "print the controller state after the run")
	dtbPath := fs.String("dtb", "", "write the machine device tree to this file")
	verbose := fs.Bool("v", false, "enable debug logging")
	noProgress := fs.Bool("no-progress", false, "never draw a progress bar")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *interrupts >= 0 {
		cfg.Stress.Interrupts = *interrupts
	}
	if *ipis >= 0 {
		cfg.Stress.IPIs = *ipis
	}
	if *tracePath != "" {
		cfg.Trace = *tracePath
	}
	if *timeslicePath != "" {
		cfg.Timeslice = *timeslicePath
	}

	if cfg.Trace != "" {
		if err := debug.OpenFile(cfg.Trace); err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer debug.Close()
	}

	var recording io.Closer
	if cfg.Timeslice != "" {
		f, err := os.Create(cfg.Timeslice)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer f.Close()
		if recording, err = timeslice.StartRecording(f); err != nil {
			return err
		}
	}
	stopRecording := func() {
		if recording == nil {
			return
		}
		if err := recording.Close(); err != nil {
			slog.Warn("close timeslice recording", "error", err)
		}
		recording = nil
	}
	defer stopRecording()

	h, err := stress.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			slog.Warn("close machine", "error", err)
		}
	}()

	if *dtbPath != "" {
		blob, err := h.DeviceTree()
		if err != nil {
			return err
		}
		if err := os.WriteFile(*dtbPath, blob, 0o644); err != nil {
			return fmt.Errorf("write device tree: %w", err)
		}
	}

	total := len(cfg.Sources) * cfg.Stress.Interrupts
	if cfg.Servers > 1 {
		total += cfg.Servers * cfg.Stress.IPIs
	}
	onInject := func() {}
	if !*noProgress && term.IsTerminal(int(os.Stdout.Fd())) {
		pb := progressbar.Default(int64(total), "injecting")
		defer pb.Finish()
		onInject = func() { pb.Add(1) }
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	slog.Info("running workload",
		"machine", cfg.Name,
		"servers", cfg.Servers,
		"sources", len(cfg.Sources),
		"events", total,
	)
	res, runErr := h.Run(ctx, onInject)

	stopRecording()

	if res != nil {
		printResult(os.Stdout, res)
	}
	if *dump || errors.Is(runErr, stress.ErrLost) {
		if err := h.Controller().WriteState(os.Stdout); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}

	if cfg.Timeslice != "" {
		return printTimeslices(os.Stdout, cfg.Timeslice)
	}
	return nil
}

func printResult(w io.Writer, res *stress.Result) {
	fmt.Fprintf(w, "raised %d, serviced %d, spurious %d in %s\n",
		res.Raised, res.Serviced, res.Spurious, res.Elapsed)
	if len(res.Lost) > 0 {
		fmt.Fprintf(w, "lost: %#x\n", res.Lost)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "server\tdelivered\trefused\trejected\tresends\taccepted\tipis\tupdates\tcas-fail\tmax-retry\t")
	for _, s := range res.Stats {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
			s.Server, s.Delivered, s.Refused, s.Rejected, s.Resends,
			s.Accepted, s.IPIs, s.Updates, s.CASFailures, s.MaxRetries)
	}
	tw.Flush()

	for _, v := range res.VCPUs {
		fmt.Fprintf(w, "vcpu %d (server %d, thread %d): cpu %s\n", v.VCPU, v.Server, v.Thread, v.CPUTime)
	}
}
