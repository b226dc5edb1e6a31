// Command zkchannel-customer drives the customer side of zkChannels:
// establishing channels against a merchant, paying on them, closing them,
// and watching their escrow contracts.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
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

	"github.com/zkchannels/zkchannel/amount"
	"github.com/zkchannels/zkchannel/config"
	"github.com/zkchannels/zkchannel/customer"
	escrowmemory "github.com/zkchannels/zkchannel/escrow/memory"
	"github.com/zkchannels/zkchannel/logger"
	"github.com/zkchannels/zkchannel/protocol"
	"github.com/zkchannels/zkchannel/session"
	"github.com/zkchannels/zkchannel/statushttp"
	storagebolt "github.com/zkchannels/zkchannel/storage/bolt"
	storagememory "github.com/zkchannels/zkchannel/storage/memory"
	"github.com/zkchannels/zkchannel/watcher"
)

const usage = `usage: zkchannel-customer [-config file] <command> [arguments]

commands:
  establish -label <name> -deposit <amount> [-merchant-deposit <amount>]
  pay [-note <text>] <label> <amount>
  close [-force] <label>
  list
  watch
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("zkchannel-customer", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 1
	}

	cfg, err := config.LoadCustomer(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	cust, err := build(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = dispatch(ctx, cust, cfg, fs.Arg(0), fs.Args()[1:])
	if closeErr := cust.close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return exitCode(err)
}

type app struct {
	customer *customer.Customer
	store    customer.Store
	escrow   *escrowmemory.Backend
	close    func() error
}

func build(cfg config.Customer) (*app, error) {
	clientCfg := session.ClientConfig{
		Addr:             cfg.MerchantAddress,
		Backoff:          cfg.Backoff.Session(),
		MaxMessageLength: cfg.MaxMessageLength,
	}
	if cfg.TrustCertificate != "" {
		pem, err := os.ReadFile(cfg.TrustCertificate)
		if err != nil {
			return nil, fmt.Errorf("reading trust certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.TrustCertificate)
		}
		host, _, err := net.SplitHostPort(cfg.MerchantAddress)
		if err != nil {
			host = cfg.MerchantAddress
		}
		clientCfg.TLS = &tls.Config{RootCAs: pool, ServerName: host, MinVersion: tls.VersionTLS12}
	} else {
		clientCfg.Dial = func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", cfg.MerchantAddress)
		}
	}

	var (
		store   customer.Store
		backend *escrowmemory.Backend
		closeFn = func() error { return nil }
	)
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		db, err := storagebolt.Open(filepath.Join(cfg.DataDir, "channels.db"))
		if err != nil {
			return nil, err
		}
		backend, err = escrowmemory.Open(filepath.Join(cfg.DataDir, "escrow.json"))
		if err != nil {
			db.Close()
			return nil, err
		}
		store = db.CustomerStore()
		closeFn = db.Close
	} else {
		store = storagememory.NewCustomerStore()
		backend = escrowmemory.New()
	}

	cust := customer.New(customer.Config{
		Client:         session.NewClient(clientCfg),
		Store:          store,
		Escrow:         backend,
		FundingAddress: cfg.FundingAddress,
	})
	return &app{customer: cust, store: store, escrow: backend, close: closeFn}, nil
}

func dispatch(ctx context.Context, a *app, cfg config.Customer, cmd string, args []string) error {
	switch cmd {
	case "establish":
		fs := flag.NewFlagSet("establish", flag.ContinueOnError)
		label := fs.String("label", "", "channel label")
		deposit := fs.String("deposit", "", "customer deposit, e.g. 5.00")
		merchantDeposit := fs.String("merchant-deposit", "0", "merchant deposit")
		if err := fs.Parse(args); err != nil {
			return err
		}
		custAmt, err := amount.Parse(*deposit, amount.XTZ)
		if err != nil {
			return fmt.Errorf("parsing -deposit: %w", err)
		}
		merchAmt, err := amount.Parse(*merchantDeposit, amount.XTZ)
		if err != nil {
			return fmt.Errorf("parsing -merchant-deposit: %w", err)
		}
		rec, err := a.customer.Establish(ctx, customer.EstablishParams{
			Label:    *label,
			Deposits: amount.Balances{Customer: custAmt, Merchant: merchAmt},
		})
		if err != nil {
			return err
		}
		fmt.Printf("established channel %s (%s)\n", rec.Label, rec.ChannelID)
		return nil

	case "pay":
		fs := flag.NewFlagSet("pay", flag.ContinueOnError)
		note := fs.String("note", "", "payment note")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 2 {
			return fmt.Errorf("usage: pay [-note <text>] <label> <amount>")
		}
		pay, err := amount.Parse(fs.Arg(1), amount.XTZ)
		if err != nil {
			return fmt.Errorf("parsing amount: %w", err)
		}
		return a.customer.Pay(ctx, fs.Arg(0), pay, *note)

	case "close":
		fs := flag.NewFlagSet("close", flag.ContinueOnError)
		force := fs.Bool("force", false, "close unilaterally on chain")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: close [-force] <label>")
		}
		return a.customer.Close(ctx, fs.Arg(0), *force)

	case "list":
		summaries, err := a.customer.List()
		if err != nil {
			return err
		}
		for _, s := range summaries {
			fmt.Printf("%s\t%s\t%s\t%s\n", s.Label, s.Status, s.Balance, s.MaxRefund)
		}
		return nil

	case "watch":
		return watch(ctx, a, cfg)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func watch(ctx context.Context, a *app, cfg config.Customer) error {
	w := watcher.NewCustomer(watcher.CustomerConfig{
		Store:        a.store,
		Escrow:       a.escrow,
		PollInterval: cfg.PollInterval.Std(),
		Backoff:      cfg.Backoff.Session(),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	if cfg.StatusListen != "" {
		srv := &http.Server{
			Addr:    cfg.StatusListen,
			Handler: statushttp.Handler(statushttp.CustomerSource(a.store), nil),
		}
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
		g.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		log := logger.Logger()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-w.Events():
				log.Info().Type("event", ev).Interface("detail", ev).Msg("channel event")
			}
		}
	})
	return g.Wait()
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, protocol.ErrProtocolViolation):
		return 2
	case errors.Is(err, session.ErrRetriesExhausted):
		return 3
	default:
		return 1
	}
}
