// Package cmd wires the aleph CLI: the root command runs an interactive
// agent session, subcommands operate on the shared home (inbox, channels,
// task board, registry) without starting a runtime.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kaselby/aleph-harness/internal/config"
	"github.com/kaselby/aleph-harness/internal/home"
)

// Version is set at build time via -ldflags "-X github.com/kaselby/aleph-harness/cmd.Version=v1.0.0"
var Version = "dev"

var verbose bool

var sessionFlags struct {
	id        string
	role      string
	prompt    string
	project   string
	parent    string
	depth     int
	mode      string
	model     string
	ephemeral bool
	detach    bool
}

var rootCmd = &cobra.Command{
	Use:   "aleph",
	Short: "Aleph — multi-agent assistant harness",
	Long: "Aleph wraps an agent runtime in a persistent substrate: shared memory,\n" +
		"inter-agent mail, channels, a task board and permission gating. Running\n" +
		"aleph with no subcommand starts an interactive session.",
	Run: func(cmd *cobra.Command, args []string) {
		if code := runSession(); code != 0 {
			os.Exit(code)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	f := rootCmd.Flags()
	f.StringVar(&sessionFlags.id, "id", "main", "agent id for this session")
	f.StringVar(&sessionFlags.role, "role", "", "role description shown to the agent")
	f.StringVar(&sessionFlags.prompt, "prompt", "", "initial task, submitted as the first turn")
	f.StringVar(&sessionFlags.project, "project", "", "project directory the runtime works in")
	f.StringVar(&sessionFlags.parent, "parent", "", "spawning agent id, set for subagents")
	f.IntVar(&sessionFlags.depth, "depth", 0, "spawn depth, set for subagents")
	f.StringVar(&sessionFlags.mode, "mode", "", "permission mode: safe, default or yolo")
	f.StringVar(&sessionFlags.model, "model", "", "model identifier or configured alias")
	f.BoolVar(&sessionFlags.ephemeral, "ephemeral", false, "leave no memory: no summary, no handoff, no commit")
	f.BoolVar(&sessionFlags.detach, "detach", false, "run without a terminal; permission prompts auto-deny")

	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(inboxCmd())
	rootCmd.AddCommand(channelsCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aleph %s\n", Version)
		},
	}
}

// openHome resolves the substrate root and its config. A home named in the
// config file relocates the substrate unless ALEPH_HOME already pinned it.
func openHome() (home.Home, *config.Config, error) {
	h, err := home.Resolve("")
	if err != nil {
		return home.Home{}, nil, err
	}
	cfg, err := config.Load(h.ConfigPath())
	if err != nil {
		return home.Home{}, nil, err
	}
	if cfg.Home != "" {
		moved, err := home.Resolve(cfg.Home)
		if err == nil && moved.Root() != h.Root() {
			h = moved
			if relocated, err := config.Load(h.ConfigPath()); err == nil {
				cfg = relocated
			}
		}
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return h, cfg, nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
