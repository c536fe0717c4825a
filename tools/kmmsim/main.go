// Command kmmsim runs the kernel memory manager on simulated physical
// memory described by a machine file.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"kmm/kernel/kfmt"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(new(bootCmd), "")
	subcommands.Register(new(dumpCmd), "")
	subcommands.Register(new(stressCmd), "")

	flag.Parse()

	kfmt.SetOutputSink(os.Stderr)

	os.Exit(int(subcommands.Execute(context.Background())))
}
