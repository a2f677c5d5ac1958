package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/photosift/internal/utils"
)

var (
	resetDB    bool
	resetFiles bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset local state (scratch leftovers, ledger tables)",
	Long: `Clears the scratch directory and drops the ledger tables. By default, it resets both.
Matched photos and uploaded remainders are never touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = true
			resetFiles = true
		}

		reader := bufio.NewReader(cmd.InOrStdin())

		if resetDB {
			switch {
			case DB == nil:
				fmt.Println("ℹ️  No ledger configured, skipping database reset.")
			case confirm(reader, "⚠️  Are you sure you want to DROP all ledger tables?"):
				fmt.Println("🗑️  Clearing Ledger...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetFiles {
			if err := checkScratch(Cfg.Scratch, Cfg.Results, Cfg.References); err != nil {
				utils.ShowError("Refusing to clear scratch", err, nil)
				return err
			}
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete the scratch directory %s?", Cfg.Scratch)) {
				fmt.Println("🗑️  Clearing Scratch (local copies, extracted bundles, packed archives)...")
				removeDir(Cfg.Scratch)
			}
		}

		fmt.Println("✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "ledger", false, "Drop the PostgreSQL ledger tables")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear the scratch directory")
	addWorkspaceFlags(resetCmd.Flags())
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

// checkScratch refuses a scratch directory that is, or contains, the working
// directory or any of keep.
func checkScratch(scratch string, keep ...string) error {
	if scratch == "" {
		return nil
	}
	dir, err := filepath.Abs(scratch)
	if err != nil {
		return err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	if within(cwd, dir) {
		return fmt.Errorf("scratch %s contains the working directory", dir)
	}
	for _, k := range keep {
		if k == "" {
			continue
		}
		p, err := filepath.Abs(k)
		if err != nil {
			return err
		}
		if within(p, dir) {
			return fmt.Errorf("scratch %s contains %s", dir, p)
		}
	}
	return nil
}

// within reports whether path is dir or lies below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func removeDir(path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
