// Command greydb is the admin CLI for directly inspecting and editing
// the tuple store (spec.md §3: entries can be "deleted/modified/added
// directly by admin CLI" in addition to the daemon's own writes).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mikey-austin/greyd-sub000/internal/greylist"
	"github.com/mikey-austin/greyd-sub000/internal/store"
	"github.com/mikey-austin/greyd-sub000/internal/store/memory"
	"github.com/mikey-austin/greyd-sub000/internal/store/mysql"
	"github.com/mikey-austin/greyd-sub000/internal/store/postgres"
	"github.com/mikey-austin/greyd-sub000/internal/store/sqlite"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: greydb [-db-driver driver] [-db-dsn dsn] <command> [args]

commands:
  list                 list every entry in the store
  get <ip>             print the entry stored under ip, if any
  white <ip> <seconds>  upsert a whitelist entry, expiring in <seconds>
  trap <ip> <seconds>   upsert a greytrap entry, expiring in <seconds>
  delete <ip>          delete the entry stored under ip
  scan                 run one store.Scan maintenance pass now
`)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "greydb:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("greydb", flag.ContinueOnError)
	driver := fs.String("db-driver", "memory", "tuple store driver: memory, sqlite, mysql or postgres")
	dsn := fs.String("db-dsn", "", "driver-specific DSN/path/conninfo (ignored for memory)")
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		usage()
		return fmt.Errorf("no command given")
	}

	st, err := openStore(*driver, *dsn)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := st.Open(ctx, false); err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer st.Close(ctx)

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "list":
		return cmdList(ctx, st)
	case "get":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: greydb get <ip>")
		}
		return cmdGet(ctx, st, cmdArgs[0])
	case "white":
		return cmdUpsert(ctx, st, cmdArgs, false)
	case "trap":
		return cmdUpsert(ctx, st, cmdArgs, true)
	case "delete":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: greydb delete <ip>")
		}
		return st.Del(ctx, store.IPKey(cmdArgs[0]))
	case "scan":
		return cmdScan(ctx, st)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func openStore(driver, dsn string) (store.Driver, error) {
	switch driver {
	case "memory", "":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(dsn), nil
	case "mysql":
		return mysql.New(dsn), nil
	case "postgres":
		return postgres.New(dsn), nil
	default:
		return nil, fmt.Errorf("unknown -db-driver %q", driver)
	}
}

func cmdList(ctx context.Context, st store.Driver) error {
	it, err := st.Iter(ctx)
	if err != nil {
		return fmt.Errorf("iter: %w", err)
	}
	defer it.Close()

	for {
		key, val, ok, err := it.Next(ctx)
		if err != nil {
			return fmt.Errorf("iter next: %w", err)
		}
		if !ok {
			return nil
		}
		printEntry(key, val)
	}
}

func cmdGet(ctx context.Context, st store.Driver, ip string) error {
	val, err := st.Get(ctx, store.IPKey(ip))
	if err != nil {
		return err
	}
	printEntry(store.IPKey(ip), val)
	return nil
}

func cmdUpsert(ctx context.Context, st store.Driver, args []string, trap bool) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: greydb %s <ip> <seconds>", map[bool]string{true: "trap", false: "white"}[trap])
	}
	ip := args[0]
	secs, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("bad seconds value %q: %w", args[1], err)
	}

	now := time.Now()
	key := store.IPKey(ip)

	if err := st.StartTxn(ctx); err != nil {
		return fmt.Errorf("start txn: %w", err)
	}
	existing, gerr := st.Get(ctx, key)
	if gerr != nil && gerr != store.ErrNotFound {
		st.RollbackTxn(ctx)
		return gerr
	}

	pcount := 1
	if trap {
		pcount = store.PcountTrap
	}
	data := store.Data{First: now.Unix(), Pass: now.Unix(), Expire: now.Add(time.Duration(secs) * time.Second).Unix(), Pcount: pcount}
	if gerr == nil && existing.Kind == store.ValueGrey {
		data.First = existing.Grey.First
		data.Pass = existing.Grey.Pass
		data.Bcount = existing.Grey.Bcount
	}

	if err := st.Put(ctx, key, store.GreyValue(data)); err != nil {
		st.RollbackTxn(ctx)
		return err
	}
	return st.CommitTxn(ctx)
}

func cmdScan(ctx context.Context, st store.Driver) error {
	res, err := store.Scan(ctx, st, time.Now().Unix(), int64(greylist.WhiteExpiry/time.Second))
	if err != nil {
		return err
	}
	fmt.Printf("scanned=%d expired=%d promoted=%d whitelisted=%d trapped=%d\n",
		res.Scanned, len(res.Expired), len(res.Promoted), len(res.Whitelist), len(res.Trapped))
	return nil
}

func printEntry(key store.Key, val store.Value) {
	switch key.Kind {
	case store.KeyTuple:
		fmt.Printf("tuple ip=%s helo=%q from=%q to=%q", key.Tuple.IP, key.Tuple.Helo, key.Tuple.From, key.Tuple.To)
	case store.KeyIP:
		fmt.Printf("ip=%s", key.IP)
	case store.KeyMail:
		fmt.Printf("mail=%s", key.Mail)
	case store.KeyDomain:
		fmt.Printf("domain=%s", key.Domain)
	}
	if val.Kind == store.ValueGrey {
		d := val.Grey
		kind := "grey"
		switch {
		case d.IsTrap():
			kind = "trap"
		case d.IsWhite() && key.Kind == store.KeyIP:
			kind = "white"
		}
		fmt.Printf(" kind=%s first=%d pass=%d expire=%d bcount=%d pcount=%d\n",
			kind, d.First, d.Pass, d.Expire, d.Bcount, d.Pcount)
	} else {
		fmt.Printf(" kind=suffix-match matched=%q\n", val.Suffix)
	}
}
