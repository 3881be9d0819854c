// Javelin CLI - instrument, verify and dry-run class files offline
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chazu/javelin/agent"
	"github.com/chazu/javelin/classfile"
	"github.com/chazu/javelin/emulator"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	configPath := flag.String("config", "", "Path to javelin.toml (default: built-in configuration)")
	include := flag.String("include", "", "Comma-separated include patterns, overriding the config")
	exclude := flag.String("exclude", "", "Comma-separated exclude patterns, overriding the config")
	verifyOnly := flag.Bool("verify", false, "Structurally verify the class files without writing output")
	outDir := flag.String("o", "", "Directory to write instrumented class files into")
	runEntry := flag.String("m", "", "Method to execute on the emulator after instrumenting (e.g. 'sum')")
	runSig := flag.String("sig", "()I", "Descriptor of the method given with -m")
	runArgs := flag.String("args", "", "Comma-separated int arguments for -m")
	storePath := flag.String("store", "", "SQLite file to append the resulting report to")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: javelin [options] <class files...>\n\n")
		fmt.Fprintf(os.Stderr, "Instruments the given class files with timing probes and optionally\n")
		fmt.Fprintf(os.Stderr, "executes a method on the built-in emulator to exercise them.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  javelin -verify App.class               # Check structural integrity\n")
		fmt.Fprintf(os.Stderr, "  javelin -o out App.class                # Write out/App.class instrumented\n")
		fmt.Fprintf(os.Stderr, "  javelin -m sum -sig '(II)I' -args 3,4 Adder.class\n")
		fmt.Fprintf(os.Stderr, "  javelin -store history.db -m run App.class\n")
	}
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath, *include, *exclude)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *verifyOnly {
		if ok := verifyAll(paths, cfg, *verbose); !ok {
			os.Exit(1)
		}
		return
	}

	ag := agent.New(cfg)
	var lastClass *classfile.ClassFile

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		name := strings.TrimSuffix(filepath.Base(path), ".class")
		out, err := ag.Transform(name, data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if *outDir != "" {
			dest := filepath.Join(*outDir, filepath.Base(path))
			if err := os.MkdirAll(*outDir, 0o755); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if err := os.WriteFile(dest, out, 0o644); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if *verbose {
				fmt.Printf("Wrote %s (%d bytes)\n", dest, len(out))
			}
		}

		if *runEntry != "" {
			cf, err := classfile.Decode(out)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error re-reading %s: %v\n", path, err)
				os.Exit(1)
			}
			lastClass = cf
		}
	}

	if *runEntry != "" {
		args, err := parseArgs(*runArgs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		machine := emulator.NewMachine(lastClass, &agent.ThreadSink{Agent: ag, ThreadID: 1})
		result, err := machine.Run(*runEntry, *runSig, args...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Execution error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s%s = %d\n", *runEntry, *runSig, result)
		printReport(ag)
	}

	if *storePath != "" {
		store, err := agent.OpenStore(*storePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
		if err := store.Save(ag.Report()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if *verbose {
			fmt.Printf("Saved report for session %s to %s\n", ag.Session(), *storePath)
		}
	}

	if cfg.Report.Output != "" {
		if err := ag.WriteReport(cfg.Report.Output); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if *verbose {
			fmt.Printf("Wrote report to %s\n", cfg.Report.Output)
		}
	}
}

// loadConfig builds the effective configuration from the optional file and
// the pattern flags.
func loadConfig(path, include, exclude string) (*agent.Config, error) {
	var cfg *agent.Config
	if path != "" {
		c, err := agent.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = agent.DefaultConfig()
	}
	if include != "" {
		cfg.Selector.Include = strings.Split(include, ",")
	}
	if exclude != "" {
		cfg.Selector.Exclude = strings.Split(exclude, ",")
	}
	return cfg, nil
}

// verifyAll runs the structural verifier over each file, instrumenting along
// the way so the verifier sees what a loader would.
func verifyAll(paths []string, cfg *agent.Config, verbose bool) bool {
	ok := true
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return false
		}
		report := emulator.LoadAndVerify(data, emulator.Options{Selector: cfg.BuildSelector()})
		if report.Accepted {
			if verbose {
				fmt.Printf("%s: ok (%d methods instrumented)\n", path, len(report.Instrumented))
			}
			continue
		}
		ok = false
		for _, d := range report.Diagnostics {
			fmt.Fprintf(os.Stderr, "%s: %s\n", path, d)
		}
	}
	return ok
}

func parseArgs(s string) ([]int32, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	args := make([]int32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid argument %q: %w", p, err)
		}
		args[i] = int32(v)
	}
	return args, nil
}

// printReport dumps the current statistics as a table.
func printReport(ag *agent.Agent) {
	report := ag.Report()
	if len(report.Methods) == 0 {
		return
	}
	fmt.Println()
	fmt.Printf("%-40s %10s %8s %12s\n", "method", "calls", "abnormal", "total ns")
	for _, m := range report.Methods {
		fmt.Printf("%-40s %10d %8d %12d\n",
			m.Class+"."+m.Method+m.Descriptor, m.Invocations, m.AbnormalExits, m.TotalNanos)
	}
}
