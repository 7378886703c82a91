package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maltedev/fsp-price-scraper/internal/browser"
)

func init() {
	rootCmd.AddCommand(installCmd)
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Installs Chromium for Playwright and reports the headless shell it found.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		if err := browser.Install(cfg.Browser.BrowsersPath, logger); err != nil {
			return err
		}

		path, err := browser.FindHeadlessShell(cfg.Browser.BrowsersPath)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}
