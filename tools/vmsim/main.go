// Command vmsim runs the kernel memory sub-system on an emulated x86_64 MMU.
// It boots a machine described by a TOML layout file and reports the frames,
// page mappings and stacks set up by the kernel.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"github.com/sparkle-os/sparkle/kernel/kfmt"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&remapCmd{}, "")
	subcommands.Register(&framesCmd{}, "")
	subcommands.Register(&stacksCmd{}, "")

	debug := flag.Bool("debug", false, "enable debug logging")
	quiet := flag.Bool("quiet", false, "do not log the kernel console output")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	logrus.SetOutput(os.Stderr)
	switch {
	case *debug:
		logrus.SetLevel(logrus.DebugLevel)
	case *quiet:
		logrus.SetLevel(logrus.WarnLevel)
	}

	klog := newKernelLog(logrus.StandardLogger())
	kfmt.SetOutputSink(klog)

	status := subcommands.Execute(context.Background())
	klog.Flush()
	os.Exit(int(status))
}
