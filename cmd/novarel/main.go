package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/tuannm99/novarel/internal"
	"github.com/tuannm99/novarel/internal/engine"
	"github.com/tuannm99/novarel/internal/record"
)

var (
	app        = kingpin.New("novarel", "Inspect a novarel data directory.")
	configPath = app.Flag("config", "YAML config file.").Short('c').String()
	dataDir    = app.Flag("data-dir", "Data directory; overrides storage.workdir.").Short('d').String()

	inspectCmd = app.Command("inspect", "List tables with their file size and record counts.")

	dumpCmd   = app.Command("dump", "Print the live rows of a table.")
	dumpTable = dumpCmd.Arg("table", "Table name.").Required().String()

	verifyCmd   = app.Command("verify", "Read every frame of a table and report corruption.")
	verifyTable = verifyCmd.Arg("table", "Table name.").Required().String()
)

func main() {
	app.HelpFlag.Short('h')
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := loadConfig()
	app.FatalIfError(err, "config")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	opts, err := engine.OptionsFromConfig(cfg)
	app.FatalIfError(err, "config")
	opts.Logger = logger

	db, err := engine.Open(cfg.Storage.Workdir, opts)
	app.FatalIfError(err, "open %s", cfg.Storage.Workdir)
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("close database", "err", err)
		}
	}()

	switch cmd {
	case inspectCmd.FullCommand():
		err = inspect(db)
	case dumpCmd.FullCommand():
		err = dump(db, *dumpTable)
	case verifyCmd.FullCommand():
		err = verify(db, *verifyTable)
	}
	if err != nil {
		logger.Error(cmd+" failed", "err", err)
		_ = db.Close()
		os.Exit(1)
	}
}

func loadConfig() (*internal.NovaRelConfig, error) {
	cfg := internal.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = internal.LoadConfig(*configPath); err != nil {
			return nil, err
		}
	}
	if *dataDir != "" {
		cfg.Storage.Workdir = *dataDir
	}
	return cfg, nil
}

func inspect(db *engine.Database) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tPOLICY\tSIZE\tLIVE\tDEAD\tINDEXES")
	for _, tbl := range db.Tables() {
		st, err := tbl.Stats()
		if err != nil {
			return fmt.Errorf("%s: %w", tbl.Name(), err)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			tbl.Name(), tbl.Def().Policy, humanize.Bytes(uint64(st.Bytes)),
			st.Live, st.Dead, strings.Join(tbl.IndexColumns(), ","))
	}
	return tw.Flush()
}

func dump(db *engine.Database, name string) error {
	tx, err := db.Begin(context.Background())
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.Scan(name)
	if err != nil {
		return err
	}
	tbl, err := db.Table(name)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	var header []string
	live := make([]int, 0, len(tbl.Def().Schema.Cols))
	for i, col := range tbl.Def().Schema.Cols {
		if col.Deleted {
			continue
		}
		header = append(header, strings.ToUpper(col.Name))
		live = append(live, i)
	}
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		cells := make([]string, len(live))
		for i, slot := range live {
			if row[slot] == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprint(row[slot])
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("(%s rows)\n", humanize.Comma(int64(len(rows))))
	return nil
}

func verify(db *engine.Database, name string) error {
	tbl, err := db.Table(name)
	if err != nil {
		return err
	}
	var frames, live int
	var bytes int64
	err = tbl.Frames(func(f record.Frame) error {
		if _, err := record.DecodePayload(tbl.Def().Schema, f.Payload); err != nil {
			return fmt.Errorf("frame at offset %d: %w", f.Offset, err)
		}
		frames++
		bytes += f.Size()
		if f.Live {
			live++
		}
		return nil
	})
	if errors.Is(err, record.ErrCorrupt) {
		fmt.Printf("%s: corrupt after %d good frames (%s): %v\n", name, frames, humanize.Bytes(uint64(bytes)), err)
		return err
	}
	if err != nil {
		return err
	}
	if err := db.Catalog().VerifyGraph(); err != nil {
		return err
	}
	fmt.Printf("%s: ok, %d frames (%d live), %s\n", name, frames, live, humanize.Bytes(uint64(bytes)))
	return nil
}
