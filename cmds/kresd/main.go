package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jirutka/knot-resolver/base/info"
	"github.com/jirutka/knot-resolver/service"
)

// Version is set at build time.
var Version = "1.0.0"

var (
	rootCmd = &cobra.Command{
		Use:   "kresd [rundir]",
		Short: "Knot DNS Resolver daemon",
		Args:  cobra.MaximumNArgs(1),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if printVersion {
				if svcCfg.Verbose {
					fmt.Println(info.FullVersion())
				} else {
					fmt.Println(info.Banner())
				}
				os.Exit(0)
			}
		},
		Run: cmdRun,

		SilenceUsage: true,
	}

	svcCfg = &service.Config{}

	printVersion     bool
	printStackOnExit bool
)

func init() {
	flags := rootCmd.Flags()
	flags.StringArrayVarP(&svcCfg.Addrs, "addr", "a", nil, "listen on given address, as addr[#port] (default port 53)")
	flags.StringVarP(&svcCfg.ConfigPath, "config", "c", "", `config file path, "-" for none (default "config" in rundir)`)
	flags.StringVarP(&svcCfg.KeyFile, "keyfile", "k", "", "file with root domain trust anchors (DS or DNSKEY)")
	flags.IntVarP(&svcCfg.Forks, "forks", "f", 1, "start N forks sharing the configuration")
	flags.BoolVarP(&svcCfg.Quiet, "quiet", "q", false, "quiet mode, no prompt in interactive mode")
	flags.BoolVarP(&svcCfg.Verbose, "verbose", "v", false, "run in verbose mode")
	flags.StringVar(&svcCfg.ModuleDir, "module-dir", "", "directory with scripted modules")
	flags.StringVar(&svcCfg.EtcDir, "etc-dir", "", "directory with configuration data files")
	flags.BoolVar(&svcCfg.LogToStdout, "log-stdout", false, "log to the console instead of a file")
	flags.StringVar(&svcCfg.LogDir, "log-dir", "", "set directory for logs")
	flags.StringVar(&svcCfg.LogLevel, "log-level", "", "set log level to [trace|debug|info|warning|error|critical]")
	flags.BoolVar(&printStackOnExit, "print-stack-on-exit", false, "prints the stack before of shutting down")

	rootCmd.PersistentFlags().BoolVarP(&printVersion, "version", "V", false, "print version of the server")

	rootCmd.AddCommand(controlCmd)
}

func main() {
	info.Set("", Version)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func cmdRun(cmd *cobra.Command, args []string) {
	if len(args) > 0 {
		svcCfg.RunDir = args[0]
	}
	// Forked workers share no terminal.
	svcCfg.Interactive = !cmd.Flags().Changed("forks")

	worker, err := workerFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[system] %s\n", err)
		os.Exit(1)
	}
	svcCfg.Worker = worker

	if err := svcCfg.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "[system] %s\n", err)
		os.Exit(1)
	}

	run(svcCfg)
}
