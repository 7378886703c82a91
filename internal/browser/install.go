package browser

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/playwright-community/playwright-go"
)

// BrowsersPathEnv is the variable Playwright reads to locate its browsers.
const BrowsersPathEnv = "PLAYWRIGHT_BROWSERS_PATH"

var headlessShellNames = map[string]bool{
	"headless_shell":     true,
	"headless_shell.exe": true,
}

// Install downloads the Playwright driver and Chromium into browsersPath. It
// is a no-op on Windows, where a locally installed browser is expected.
func Install(browsersPath string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "browser")

	if runtime.GOOS == "windows" {
		logger.Info("windows detected, skipping chromium install")
		return nil
	}

	if browsersPath != "" {
		if err := os.Setenv(BrowsersPathEnv, browsersPath); err != nil {
			return fmt.Errorf("failed to set %s: %w", BrowsersPathEnv, err)
		}
	}

	logger.Info("installing chromium", "path", browsersPath)

	err := playwright.Install(&playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to install chromium: %w", err)
	}

	logger.Info("chromium installed")
	return nil
}

// FindHeadlessShell returns the first headless_shell executable under root.
func FindHeadlessShell(root string) (string, error) {
	var found string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return nil
			}
			return err
		}
		if !d.IsDir() && headlessShellNames[d.Name()] {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to search %s: %w", root, err)
	}

	if found == "" {
		return "", fmt.Errorf("%w in %s", ErrHeadlessShellNotFound, root)
	}

	return found, nil
}
