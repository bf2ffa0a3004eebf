// Command privload inspects images and dry-runs private loads against
// a simulated process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"

	"privload"
	"privload/internal/image"
	"privload/internal/sim"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(inspect), "")
	subcommands.Register(new(load), "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// inspect implements subcommands.Command for the "inspect" command.
type inspect struct{}

func (*inspect) Name() string             { return "inspect" }
func (*inspect) Synopsis() string         { return "prints the machine, imports and exports of an image" }
func (*inspect) Usage() string            { return "inspect <file>\n" }
func (*inspect) SetFlags(f *flag.FlagSet) {}

func (*inspect) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	s, err := image.Inspect(f.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("machine: %s (64-bit: %t)\n", s.Machine, s.Is64)
	for _, imp := range s.Imports {
		fmt.Printf("import %s: %s\n", imp.DLL, strings.Join(imp.Symbols, ", "))
	}
	for _, exp := range s.Exports {
		switch {
		case exp.Forwarder != "":
			fmt.Printf("export #%d %s -> %s\n", exp.Ordinal, exp.Name, exp.Forwarder)
		default:
			fmt.Printf("export #%d %s\n", exp.Ordinal, exp.Name)
		}
	}
	return subcommands.ExitSuccess
}

// load implements subcommands.Command for the "load" command.
type load struct {
	config string
	root   string
}

func (*load) Name() string     { return "load" }
func (*load) Synopsis() string { return "loads libraries into a simulated process and prints the module list" }
func (*load) Usage() string {
	return `load [flags] <name>...

Maps, relocates and links each library and its dependencies without
running any of their code.
`
}

func (l *load) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.config, "config", "", "path to a YAML loader configuration.")
	f.StringVar(&l.root, "root", "", "Windows directory to search; overrides system_root.")
}

func (l *load) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg := privload.DefaultConfig()
	if l.config != "" {
		var err error
		if cfg, err = privload.LoadConfig(l.config); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return subcommands.ExitFailure
		}
	}
	if l.root != "" {
		cfg.SystemRoot = l.root
	}
	lvl, _ := cfg.Level()
	log, err := privload.NewLogger(lvl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer log.Sync()
	privload.SetLogger(log)

	host, err := sim.NewHost(sim.Options{SystemRoot: cfg.SystemRoot})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return subcommands.ExitFailure
	}
	ld, err := privload.New(privload.Options{Config: cfg, Host: host})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := ld.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer ld.Exit()

	status := subcommands.ExitSuccess
	for _, name := range f.Args() {
		if _, err := ld.LoadByName(name); err != nil {
			fmt.Fprintf(os.Stderr, "load %s: %v\n", name, err)
			status = subcommands.ExitFailure
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tBASE\tSIZE\tREFS\tCLIENT\tPATH")
	for _, m := range ld.Modules() {
		fmt.Fprintf(w, "%s\t%#x\t%#x\t%d\t%t\t%s\n", m.Name, m.Base, m.Size, m.RefCount, m.Client, m.Path)
	}
	w.Flush()
	fmt.Printf("PEB isolation: %t\n", ld.PEBIsolated())
	return status
}
