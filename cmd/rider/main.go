package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-rider-client/client"
	"github.com/jrsteele09/go-rider-client/credstore/sqlitestore"
	"github.com/jrsteele09/go-rider-client/internal/config"
	"github.com/jrsteele09/go-rider-client/internal/logging"
	"github.com/spf13/pflag"
	"golang.org/x/text/language"
)

type flags struct {
	email      string
	password   string
	autoAccept bool
	lang       string
}

func main() {
	var f flags
	pflag.StringVar(&f.email, "email", "", "rider email, only needed without a stored session")
	pflag.StringVar(&f.password, "password", "", "rider password")
	pflag.BoolVar(&f.autoAccept, "auto-accept", false, "accept every arriving order while no order is claimed")
	pflag.StringVar(&f.lang, "lang", "ko", "language tag used to format prices")
	pflag.Parse()

	if err := run(f); err != nil {
		log.Fatalf("Error running rider client: %s\n", err)
	}
	log.Printf("Rider client stopped\n")
}

func run(f flags) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	cfg, err := config.New()
	if err != nil {
		return err
	}
	displayAppname(cfg.GetAppName())
	logger := logging.New(cfg)

	store, err := sqlitestore.Open(cfg.GetStorePath(), cfg.GetStoreSecret())
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer store.Close()

	c, err := client.New(cfg, store, client.WithLogger(logger))
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	restored, err := c.Start(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("could not restore previous session")
	}
	if !restored {
		if f.email == "" || f.password == "" {
			return errors.New("no stored session: --email and --password are required")
		}
		if _, err := c.Auth().Login(ctx, f.email, f.password); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	tag, err := language.Parse(f.lang)
	if err != nil {
		tag = language.Korean
	}
	sh := newShell(c, os.Stdout, tag, f.autoAccept)
	return sh.run(ctx, os.Stdin)
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
