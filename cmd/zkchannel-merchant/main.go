// Command zkchannel-merchant serves the merchant side of zkChannels: it
// accepts customer sessions, watches escrow contracts, and exposes a
// status API.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/zkchannels/zkchannel/config"
	escrowmemory "github.com/zkchannels/zkchannel/escrow/memory"
	"github.com/zkchannels/zkchannel/logger"
	"github.com/zkchannels/zkchannel/merchant"
	"github.com/zkchannels/zkchannel/session"
	"github.com/zkchannels/zkchannel/statushttp"
	"github.com/zkchannels/zkchannel/storage"
	storagebolt "github.com/zkchannels/zkchannel/storage/bolt"
	storagememory "github.com/zkchannels/zkchannel/storage/memory"
	"github.com/zkchannels/zkchannel/watcher"
	"github.com/zkchannels/zkchannel/zkabacus"
)

const usage = `usage: zkchannel-merchant [-config file] <command> [arguments]

commands:
  run
  list
  close -channel <id>
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("zkchannel-merchant", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 1
	}

	cfg, err := config.LoadMerchant(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, cfg, fs.Arg(0), fs.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func dispatch(ctx context.Context, cfg config.Merchant, cmd string, args []string) error {
	store, backend, closeStore, err := openState(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	key, err := loadOrCreateKey(store)
	if err != nil {
		return err
	}
	srv := merchant.New(merchant.Config{
		Store:         store,
		Key:           key,
		Escrow:        backend,
		EscrowAddress: cfg.EscrowAddress,
		DisputeWindow: cfg.DisputeWindow.Std(),
	})

	switch cmd {
	case "run":
		return serve(ctx, cfg, srv, store, backend)

	case "list":
		records, err := srv.List()
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Printf("%s\t%s\t%s\t%s\n", r.ChannelID, r.Status, r.Balances.Customer, r.Balances.Merchant)
		}
		return nil

	case "close":
		fs := flag.NewFlagSet("close", flag.ContinueOnError)
		channel := fs.String("channel", "", "channel ID to close")
		if err := fs.Parse(args); err != nil {
			return err
		}
		var id zkabacus.ChannelID
		if err := id.UnmarshalText([]byte(*channel)); err != nil {
			return fmt.Errorf("parsing -channel: %w", err)
		}
		return srv.Expire(ctx, id)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// openState opens the merchant's durable state under DataDir, or builds
// in-memory state when no directory is configured.
func openState(cfg config.Merchant) (merchant.Store, *escrowmemory.Backend, func() error, error) {
	if cfg.DataDir == "" {
		return storagememory.NewMerchantStore(), escrowmemory.New(), func() error { return nil }, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, nil, nil, fmt.Errorf("creating data dir: %w", err)
	}
	db, err := storagebolt.Open(filepath.Join(cfg.DataDir, "channels.db"))
	if err != nil {
		return nil, nil, nil, err
	}
	backend, err := escrowmemory.Open(filepath.Join(cfg.DataDir, "escrow.json"))
	if err != nil {
		db.Close()
		return nil, nil, nil, err
	}
	return db.MerchantStore(), backend, db.Close, nil
}

func loadOrCreateKey(store merchant.Store) (*zkabacus.MerchantKey, error) {
	b, err := store.SigningKey()
	if err == nil {
		return zkabacus.MerchantKeyFromBytes(b)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	key, err := zkabacus.NewMerchantKey(nil)
	if err != nil {
		return nil, err
	}
	return key, store.StoreSigningKey(key.Bytes())
}

func serve(ctx context.Context, cfg config.Merchant, srv *merchant.Server, store merchant.Store, backend *escrowmemory.Backend) error {
	log := logger.Logger()

	serverCfg := session.ServerConfig{
		Handler:          srv,
		SessionTimeout:   cfg.SessionTimeout.Std(),
		MaxMessageLength: cfg.MaxMessageLength,
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("loading TLS key pair: %w", err)
		}
		serverCfg.TLS = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	} else {
		log.Warn().Msg("no TLS certificate configured, serving plaintext")
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	log.Info().Str("addr", cfg.Listen).Msg("serving sessions")

	w := watcher.NewMerchant(watcher.MerchantConfig{
		Store:        store,
		Escrow:       backend,
		PollInterval: cfg.PollInterval.Std(),
		Backoff:      cfg.Backoff.Session(),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return session.NewServer(serverCfg).Serve(ctx, ln) })
	g.Go(func() error { return w.Run(ctx) })
	if cfg.StatusListen != "" {
		httpSrv := &http.Server{
			Addr:    cfg.StatusListen,
			Handler: statushttp.Handler(statushttp.MerchantSource(store), nil),
		}
		g.Go(func() error {
			<-ctx.Done()
			return httpSrv.Shutdown(context.Background())
		})
		g.Go(func() error {
			err := httpSrv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-w.Events():
				log.Info().Type("event", ev).Interface("detail", ev).Msg("channel event")
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
