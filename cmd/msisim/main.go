// Command msisim boots a simulated RISC-V board with an IMSIC and MSI
// endpoints, then exercises vector allocation and delivery.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/msi/internal/fdt"
	"github.com/tinyrange/msi/internal/platform"
)

func usage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] <run|soak|dtb> [args]\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  run         allocate every endpoint's vectors, fire each once and print counts")
	fmt.Fprintln(os.Stderr, "  soak -n N   run N allocate/signal/free cycles and check for leaks")
	fmt.Fprintln(os.Stderr, "  dtb -o F    write the board's flattened device tree to F")
	fmt.Fprintln(os.Stderr)
	fs.PrintDefaults()
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("config", "", "board file (default: built-in virt board)")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "msisim: %v\n", err)
		os.Exit(1)
	}

	cmd, args := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "run":
		err = runCmd(cfg, log)
	case "soak":
		err = soakCmd(cfg, log, args)
	case "dtb":
		err = dtbCmd(cfg, args)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "msisim %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*platform.Config, error) {
	if path == "" {
		return platform.DefaultConfig()
	}
	return platform.LoadConfig(path)
}

func runCmd(cfg *platform.Config, log *slog.Logger) (err error) {
	b, err := platform.NewBoard(cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, b.Close()) }()

	if err := b.AllocEndpoints(); err != nil {
		return err
	}
	sent, err := b.SignalAll()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENDPOINT\tHWIRQ\tVIRQ\tCOUNT")
	for _, vc := range b.Counts() {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", vc.Endpoint, vc.Hwirq, vc.Virq, vc.Count)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	dispatched, unmapped, empty := b.Controller().Stats()
	fmt.Printf("\n%d messages, %d dispatched, %d unmapped, %d empty traps\n", sent, dispatched, unmapped, empty)

	b.FreeEndpoints()
	return nil
}

func soakCmd(cfg *platform.Config, log *slog.Logger, args []string) (err error) {
	fs := flag.NewFlagSet("soak", flag.ContinueOnError)
	n := fs.Int("n", 1000, "number of cycles")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *n <= 0 {
		return fmt.Errorf("-n must be positive")
	}

	b, err := platform.NewBoard(cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, b.Close()) }()

	if err := b.AllocEndpoints(); err != nil {
		return err
	}

	var step func()
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.Default(int64(*n), "soak")
		defer bar.Finish()
		step = func() { _ = bar.Add(1) }
	}
	if err := b.Soak(*n, step); err != nil {
		return err
	}

	b.FreeEndpoints()
	fmt.Printf("%d cycles, no leaks\n", *n)
	return nil
}

func dtbCmd(cfg *platform.Config, args []string) error {
	fs := flag.NewFlagSet("dtb", flag.ContinueOnError)
	out := fs.String("o", "", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return fmt.Errorf("-o is required")
	}

	blob, err := fdt.Build(cfg.DeviceTree())
	if err != nil {
		return fmt.Errorf("build device tree: %w", err)
	}
	if err := os.WriteFile(*out, blob, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes to %s\n", len(blob), *out)
	return nil
}
