package main

import (
	"flag"
	"fmt"

	"github.com/nixforge/nixforge/internal/config"
)

const envHelp = `env - print the effective configuration

Example:
  % nixforge env
`

func printenv(args []string) error {
	fset := flag.NewFlagSet("env", flag.ExitOnError)
	fset.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fmt.Printf("NIXFORGE_SERVER_HOST=%q\n", cfg.Server.Host)
	fmt.Printf("NIXFORGE_SERVER_PORT=%d\n", cfg.Server.Port)
	fmt.Printf("NIXFORGE_DATABASE_URL=%q\n", cfg.Database.URL)
	fmt.Printf("NIXFORGE_CRYPT_SECRET_FILE=%q\n", cfg.Crypt.SecretFile)
	fmt.Printf("NIXFORGE_AUTH_JWT_SECRET_FILE=%q\n", cfg.Auth.JWTSecretFile)
	fmt.Printf("NIXFORGE_BIN_NIX=%q\n", cfg.Bin.Nix)
	fmt.Printf("NIXFORGE_BIN_GIT=%q\n", cfg.Bin.Git)
	fmt.Printf("NIXFORGE_BIN_ZSTD=%q\n", cfg.Bin.Zstd)
	fmt.Printf("NIXFORGE_BIN_SSH=%q\n", cfg.Bin.SSH)
	fmt.Printf("NIXFORGE_SCHEDULER_MAX_CONCURRENT_EVALUATIONS=%d\n", cfg.Scheduler.MaxConcurrentEvaluations)
	fmt.Printf("NIXFORGE_SCHEDULER_MAX_CONCURRENT_BUILDS=%d\n", cfg.Scheduler.MaxConcurrentBuilds)
	fmt.Printf("NIXFORGE_SCHEDULER_EVALUATION_TIMEOUT=%d\n", cfg.Scheduler.EvaluationTimeout)
	fmt.Printf("NIXFORGE_BASE_PATH=%q\n", cfg.BasePath)
	fmt.Printf("NIXFORGE_DEBUG=%v\n", cfg.Debug)
	return nil
}
