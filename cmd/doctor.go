package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/kaselby/aleph-harness/internal/platform"
	"github.com/kaselby/aleph-harness/internal/registry"
	"github.com/kaselby/aleph-harness/internal/usage"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and substrate health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

// scaffoldDirs are the directories a healthy home contains.
var scaffoldDirs = []string{"memory", "memory/sessions", "inbox", "channels", "registry", "tools", "scratch", "logs"}

func runDoctor() {
	fmt.Println("aleph doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	h, cfg, err := openHome()
	if err != nil {
		fmt.Printf("  Home:     UNRESOLVED (%s)\n", err)
		return
	}

	fmt.Printf("  Home:     %s", h.Root())
	if _, err := os.Stat(h.Root()); err != nil {
		fmt.Println(" (NOT FOUND — run aleph once to scaffold)")
	} else {
		missing := 0
		for _, d := range scaffoldDirs {
			if _, err := os.Stat(filepath.Join(h.Root(), d)); err != nil {
				missing++
			}
		}
		if missing == 0 {
			fmt.Println(" (OK)")
		} else {
			fmt.Printf(" (INCOMPLETE — %d of %d directories missing)\n", missing, len(scaffoldDirs))
		}
	}

	fmt.Printf("  Config:   %s", h.ConfigPath())
	if _, err := os.Stat(h.ConfigPath()); err != nil {
		fmt.Println(" (not present, defaults in effect)")
	} else if err := cfg.Validate(); err != nil {
		fmt.Printf(" (INVALID: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}
	fmt.Printf("  Mode:     %s\n", cfg.Mode)

	fmt.Println()
	fmt.Println("  Runtime:")
	checkBinary(cfg.Runtime.Binary)
	if cfg.Runtime.Model != "" {
		fmt.Printf("    %-12s %s\n", "model:", cfg.Runtime.Model)
	} else {
		fmt.Printf("    %-12s (runtime default)\n", "model:")
	}
	if n := len(cfg.Runtime.Aliases); n > 0 {
		fmt.Printf("    %-12s %d configured\n", "aliases:", n)
	}

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("git")
	checkBinary("tmux")

	fmt.Println()
	fmt.Println("  Substrate:")
	checkLocks(h.Root())
	checkUsageDB(h.UsageDBPath())
	checkRegistry(registry.New(h))

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}

// checkLocks probes flock support on the home's filesystem; network mounts
// sometimes lack it.
func checkLocks(root string) {
	if _, err := os.Stat(root); err != nil {
		fmt.Printf("    %-12s (skipped, no home yet)\n", "locks:")
		return
	}
	probe := filepath.Join(root, ".doctor-lock")
	defer os.Remove(probe)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := platform.WithLock(ctx, probe, 2*time.Second, func() error { return nil })
	if err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "locks:", err)
	} else {
		fmt.Printf("    %-12s OK\n", "locks:")
	}
}

func checkUsageDB(path string) {
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		fmt.Printf("    %-12s (skipped, no logs dir yet)\n", "usage db:")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := usage.Open(ctx, path)
	if err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "usage db:", err)
		return
	}
	defer store.Close()
	fmt.Printf("    %-12s OK\n", "usage db:")
}

func checkRegistry(reg *registry.Registry) {
	list, err := reg.List()
	if err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", "registry:", err)
		return
	}
	alive := 0
	for _, st := range list {
		if st.Alive {
			alive++
		}
	}
	fmt.Printf("    %-12s %d registered, %d alive\n", "registry:", len(list), alive)
}
