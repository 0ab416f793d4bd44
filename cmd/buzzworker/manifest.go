package main

import (
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"buzzworker/internal/buzzworker"
)

var (
	manifestOut    string
	manifestExts   []string
	manifestIgnore []string
)

var manifestCmd = &cobra.Command{
	Use:   "manifest <dir>",
	Short: "Generate a precache manifest from a build directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runManifest,
}

func init() {
	manifestCmd.Flags().StringVarP(&manifestOut, "out", "o", "precache-manifest.json", "manifest file to write")
	manifestCmd.Flags().StringSliceVar(&manifestExts, "ext", buzzworker.DefaultManifestExtensions, "file extensions to precache")
	manifestCmd.Flags().StringSliceVar(&manifestIgnore, "ignore", buzzworker.DefaultManifestIgnore, "file names to leave out")
}

func runManifest(_ *cobra.Command, args []string) error {
	entries, total, err := buzzworker.GenerateManifest(args[0], manifestExts, manifestIgnore)
	if err != nil {
		return err
	}
	if err := buzzworker.WriteManifest(manifestOut, entries); err != nil {
		return err
	}
	pterm.Success.Printfln("Precached %d files (%s), totalling %.2f KB -> %s",
		len(entries), strings.Join(manifestExts, ","), float64(total)/1024, manifestOut)
	return nil
}
