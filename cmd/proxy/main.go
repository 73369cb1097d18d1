package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/shortcache-proxy/internal/config"
	"github.com/iTrooz/shortcache-proxy/internal/proxy"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		logrus.Fatal(err)
	}
}

// run returns instead of exiting so the server is always closed, which
// flushes the bolt database
func run(args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("proxy", flag.ContinueOnError)
	dumpConfig := flags.Bool("dump-config", false, "print the effective configuration and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	configPath := "configs/config.yaml"
	if flags.NArg() > 0 {
		configPath = flags.Arg(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := cfg.GetLogLevel()
	logrus.SetLevel(level)

	if *dumpConfig {
		out, err := cfg.Dump()
		if err != nil {
			return fmt.Errorf("failed to dump config: %w", err)
		}
		_, err = stdout.Write(out)
		return err
	}

	server, err := proxy.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create proxy server: %w", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			logrus.Errorf("Failed to close cache: %v", err)
		}
	}()

	if err := server.Start(); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
