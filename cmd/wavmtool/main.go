package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/vavrusa/wavm/compartment"
)

func main() {
	doMain(os.Stdout, os.Stderr, os.Exit)
}

// doMain is separated out for the purpose of unit testing.
func doMain(stdOut, stdErr io.Writer, exit func(code int)) {
	flag.CommandLine.SetOutput(stdErr)

	var help bool
	flag.BoolVar(&help, "h", false, "print usage")
	flag.Parse()

	if help || flag.NArg() == 0 {
		printUsage(stdErr)
		exit(0)
		return
	}

	subCmd := flag.Arg(0)
	switch subCmd {
	case "new-compartment":
		doNewCompartment(flag.Args()[1:], stdOut, stdErr, exit)
	case "clone-compartment":
		doCloneCompartment(flag.Args()[1:], stdOut, stdErr, exit)
	default:
		fmt.Fprintln(stdErr, "invalid command")
		printUsage(stdErr)
		exit(1)
	}
}

func printUsage(stdErr io.Writer) {
	fmt.Fprintln(stdErr, "wavmtool <command>")
	fmt.Fprintln(stdErr, "commands:")
	fmt.Fprintln(stdErr, "\tnew-compartment\tcreate an empty compartment and report its state")
	fmt.Fprintln(stdErr, "\tclone-compartment\tcreate a compartment with a memory, clone it, and verify id parity")
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func doNewCompartment(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("new-compartment", flag.ExitOnError)
	flags.SetOutput(stdErr)
	verbose := flags.Bool("v", false, "enable verbose logging")
	_ = flags.Parse(args)

	log := newLogger(*verbose)
	defer log.Sync()

	c := compartment.New(log)
	if err := c.Close(); err != nil {
		fmt.Fprintf(stdErr, "error: %v\n", err)
		exit(1)
		return
	}
	fmt.Fprintln(stdOut, "compartment created and closed cleanly")
}

func doCloneCompartment(args []string, stdOut, stdErr io.Writer, exit func(code int)) {
	flags := flag.NewFlagSet("clone-compartment", flag.ExitOnError)
	flags.SetOutput(stdErr)
	verbose := flags.Bool("v", false, "enable verbose logging")
	pages := flags.Uint("pages", 1, "number of pages to grow the source memory to before cloning")
	_ = flags.Parse(args)

	log := newLogger(*verbose)
	defer log.Sync()

	src := compartment.New(log)
	mem := src.AddMemory(16)
	if _, ok := mem.Grow(uint32(*pages)); !ok {
		fmt.Fprintln(stdErr, "error: memory grow failed")
		exit(1)
		return
	}

	dst := src.Clone(log)
	cloned, ok := dst.Memory(mem.ID)
	if !ok || cloned.Size() != mem.Size() {
		fmt.Fprintln(stdErr, "error: clone did not preserve memory id/size")
		exit(1)
		return
	}
	fmt.Fprintf(stdOut, "cloned memory id=%d size=%d pages\n", cloned.ID, cloned.Size())
}
