package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/nixforge/nixforge"
	"github.com/nixforge/nixforge/internal/api"
	"github.com/nixforge/nixforge/internal/config"
	"github.com/nixforge/nixforge/internal/crypt"
	"github.com/nixforge/nixforge/internal/database"
	"github.com/nixforge/nixforge/internal/packer"
	"github.com/nixforge/nixforge/internal/scheduler"
)

const serveHelp = `serve - run the API, the schedulers and the cache packer

Example:
  % nixforge serve
`

func serve(args []string) error {
	fset := flag.NewFlagSet("serve", flag.ExitOnError)
	debug := fset.Bool("debug", false, "enable debug logging")
	fset.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logrus.New()
	if *debug || cfg.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(logger)

	key, err := cfg.CryptSecret()
	if err != nil {
		return err
	}
	sealer, err := crypt.NewSealer(key)
	if err != nil {
		return err
	}
	jwtSecret, err := cfg.JWTSecret()
	if err != nil {
		return err
	}

	ctx, canc := nixforge.InterruptibleContext()
	defer canc()

	db, err := database.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return xerrors.Errorf("connecting to data store: %w", err)
	}
	defer db.Close()

	sched := scheduler.New(db, cfg, sealer, log)
	pack := &packer.Packer{DB: db, Cfg: cfg, Sealer: sealer, Log: log}
	apiSrv := &api.Server{
		DB:        db,
		JWTSecret: jwtSecret,
		CacheDir:  pack.CacheDir(),
		Log:       log,
	}
	httpSrv := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler: apiSrv.Router(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return pack.Run(ctx) })
	g.Go(func() error {
		log.WithField("addr", httpSrv.Addr).Info("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, canc := context.WithTimeout(context.Background(), 10*time.Second)
		defer canc()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shut down")
	return nil
}
