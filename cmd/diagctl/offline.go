package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"diagd/internal/config"
	"diagd/internal/daemon"
	"diagd/internal/diagnostics"
	"diagd/internal/export"
	"diagd/internal/store"
)

// cmdExport exports a channel's mirror file directly, for use when the
// daemon is not running.
func cmdExport(name string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	stream, ok := diagnostics.ParseStream(name)
	if !ok {
		return fmt.Errorf("unknown stream %q", name)
	}

	prefix := daemon.ChannelConfigs(cfg.Diagnostics)[stream].Prefix
	if prefix == "" {
		prefix = diagnostics.DefaultChannelConfig(stream).Prefix
	}
	mirror := filepath.Join(cfg.Diagnostics.CacheDir, prefix+"-current.log")
	if _, err := os.Stat(mirror); err != nil {
		return fmt.Errorf("no %s logs available: %w", stream, err)
	}

	e, err := daemon.NewExporter(cfg.Export, nil)
	if err != nil {
		return err
	}
	defer e.Close()

	h, err := e.Selector.Export(context.Background(), export.FileSource{Path: mirror, Name: prefix})
	if err != nil {
		return err
	}

	fmt.Printf("Exported %s (%s)\n", h.URI, h.Kind)
	if path, err := e.Resolvers.Resolve(h.URI); err == nil {
		fmt.Printf("  File: %s\n", path)
	}
	return nil
}

// cmdVerify re-hashes every managed export and compares it with the index.
func cmdVerify() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Export.IndexPath); err != nil {
		fmt.Println("No managed exports found")
		return nil
	}

	st, err := store.Open(cfg.Export.IndexPath, cfg.Export.StorageRoot, cfg.Export.Authority)
	if err != nil {
		return err
	}
	defer st.Close()

	results, err := st.VerifyAll(context.Background())
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.OK() {
			fmt.Printf("  [OK]      %s/%s\n", r.Entry.RelativePath, r.Entry.DisplayName)
			continue
		}
		failed++
		fmt.Printf("  [FAILED]  %s/%s: %v\n", r.Entry.RelativePath, r.Entry.DisplayName, r.Err)
	}
	fmt.Printf("\n%d entries, %d failed\n", len(results), failed)

	if failed > 0 {
		return fmt.Errorf("%d exports failed verification", failed)
	}
	return nil
}

// cmdInitConfig writes the default configuration to path, or to the
// default location when path is empty. An existing file is left alone.
func cmdInitConfig(path string) error {
	if path == "" {
		path = *configPath
	}
	if path == "" {
		path = config.ConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
		return err
	}
	fmt.Printf("Wrote default configuration to %s\n", path)
	return nil
}
