// Command orderctl inspects orders in the configured durable store.
//
//	orderctl [-config path] recent [-n 10] [-logs 5]
//	orderctl [-config path] show <order-id>
//	orderctl [-config path] events [-n 20]
package main

import (
	"context"
	"errors"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alanyoungcy/orderflow/internal/cache/redis"
	"github.com/alanyoungcy/orderflow/internal/config"
	"github.com/alanyoungcy/orderflow/internal/domain"
	"github.com/alanyoungcy/orderflow/internal/store/postgres"
	"github.com/alanyoungcy/orderflow/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file (optional)")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	args := flag.Args()
	switch args[0] {
	case "recent", "show":
		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			fatal(err)
		}
		if args[0] == "recent" {
			err = runRecent(ctx, store, args[1:], os.Stdout)
		} else {
			err = runShow(ctx, store, args[1:], os.Stdout)
		}
		closeStore()
		if err != nil {
			fatal(err)
		}
	case "events":
		if !cfg.Redis.Enabled {
			fatal(errors.New("events: redis is not enabled"))
		}
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			fatal(err)
		}
		err = runEvents(ctx, redis.NewSignalBus(rc), cfg.Redis.EventStream, args[1:], os.Stdout)
		_ = rc.Close()
		if err != nil {
			fatal(err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: orderctl [-config path] <recent [-n N] [-logs N] | show ID | events [-n N]>\n")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "orderctl: %v\n", err)
	os.Exit(1)
}

func openStore(ctx context.Context, cfg *config.Config) (domain.OrderStore, func(), error) {
	switch strings.ToLower(cfg.Storage.Backend) {
	case config.StoragePostgres:
		client, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: 2,
			MinConns: 0,
		})
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewOrderStore(client.Pool()), client.Close, nil
	case config.StorageSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("storage backend %q is not durable; use sqlite or postgres", cfg.Storage.Backend)
	}
}

func runRecent(ctx context.Context, store domain.OrderStore, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("recent", flag.ContinueOnError)
	n := fs.Int("n", 10, "number of orders")
	logs := fs.Int("logs", 5, "execution log lines per order (0 to hide)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	orders, err := store.ListRecent(ctx, *n)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Fprintln(out, "no orders")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPAIR\tAMOUNT\tSTATUS\tVENUE\tPRICE\tSETTLEMENT\tCREATED")
	for _, o := range orders {
		venue, price, settlement := "-", "-", "-"
		if o.Result != nil {
			if o.Result.Quote != nil {
				venue = o.Result.Quote.Venue
				price = strconv.FormatFloat(o.Result.Quote.Price, 'f', 4, 64)
			}
			if o.Result.SettlementID != "" {
				settlement = o.Result.SettlementID
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.ID, o.Pair(), strconv.FormatFloat(o.Amount, 'f', -1, 64), o.Status,
			venue, price, settlement, o.CreatedAt.Format(time.RFC3339))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if *logs <= 0 {
		return nil
	}
	for _, o := range orders {
		entries, err := store.ListLogs(ctx, o.ID)
		if err != nil {
			return err
		}
		if len(entries) > *logs {
			entries = entries[len(entries)-*logs:]
		}
		fmt.Fprintf(out, "\n%s\n", o.ID)
		printLogs(out, entries)
	}
	return nil
}

func runShow(ctx context.Context, store domain.OrderStore, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("show: expected one order id")
	}
	o, err := store.GetByID(ctx, args[0])
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("order %s not found", args[0])
	}
	if err != nil {
		return err
	}
	entries, err := store.ListLogs(ctx, o.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "id:       %s\npair:     %s\namount:   %s\nstatus:   %s\ncreated:  %s\nupdated:  %s\n",
		o.ID, o.Pair(), strconv.FormatFloat(o.Amount, 'f', -1, 64), o.Status,
		o.CreatedAt.Format(time.RFC3339Nano), o.UpdatedAt.Format(time.RFC3339Nano))
	if r := o.Result; r != nil {
		if r.Quote != nil {
			fmt.Fprintf(out, "venue:    %s @ %s\n", r.Quote.Venue, strconv.FormatFloat(r.Quote.Price, 'f', -1, 64))
		}
		if r.SettlementID != "" {
			fmt.Fprintf(out, "settled:  %s\n", r.SettlementID)
		}
		if r.Reason != "" {
			fmt.Fprintf(out, "reason:   %s\n", r.Reason)
		}
	}
	fmt.Fprintln(out, "logs:")
	printLogs(out, entries)
	return nil
}

// eventTail reads the newest entries of the order event stream.
type eventTail interface {
	StreamTail(ctx context.Context, stream string, count int) ([]domain.StreamMessage, error)
}

func runEvents(ctx context.Context, bus eventTail, stream string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	n := fs.Int("n", 20, "number of events")
	if err := fs.Parse(args); err != nil {
		return err
	}

	entries, err := bus.StreamTail(ctx, stream, *n)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "no events")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tORDER\tSTATUS\tDETAIL")
	for _, e := range entries {
		var u domain.OrderUpdate
		if err := json.Unmarshal(e.Payload, &u); err != nil {
			fmt.Fprintf(tw, "%s\t-\t-\tundecodable: %v\n", e.ID, err)
			continue
		}
		detail := "-"
		switch {
		case u.SettlementID != "":
			detail = u.SettlementID
		case u.Error != "":
			detail = u.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, u.OrderID, u.Status, detail)
	}
	return tw.Flush()
}

func printLogs(out io.Writer, entries []domain.ExecutionLog) {
	for _, e := range entries {
		fmt.Fprintf(out, "  %s  %s\n", e.Timestamp.Format("15:04:05.000"), e.Message)
	}
}
