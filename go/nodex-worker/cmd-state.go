package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ddsnet/nodex/go/state"
	"github.com/fatih/color"
	mbp "go.gazette.dev/core/mainboilerplate"
)

type cmdStateTotals struct {
	DataDir string        `long:"data-dir" env:"DATA_DIR" default:"/app/data" description:"Directory holding the state database"`
	DB      string        `long:"db" env:"DB_FILE" description:"Path of the state database. Defaults to <data-dir>/traffic_state.db"`
	Log     mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdStateTotals) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)

	var store, err = openStateDB(cmd.DataDir, cmd.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	totals, err := store.ListTotals(context.Background())
	if err != nil {
		return err
	}
	for _, t := range totals {
		var started = "-"
		if t.CycleStartedAt != 0 {
			started = time.Unix(t.CycleStartedAt, 0).UTC().Format(time.RFC3339)
		}
		fmt.Printf("%s\tup=%d\tdown=%d\tcycle_started=%s\n",
			cyan(t.Email), t.Traffic.Up, t.Traffic.Down, started)
	}
	fmt.Printf("%s\n", faint(fmt.Sprintf("%d clients", len(totals))))
	return nil
}

type cmdStateCounters struct {
	Email   string        `long:"email" required:"true" description:"Client email to list baselines of"`
	DataDir string        `long:"data-dir" env:"DATA_DIR" default:"/app/data" description:"Directory holding the state database"`
	DB      string        `long:"db" env:"DB_FILE" description:"Path of the state database. Defaults to <data-dir>/traffic_state.db"`
	Log     mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdStateCounters) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)
	return printCounters(cmd.DataDir, cmd.DB, cmd.Email, false)
}

type cmdStateNodes struct {
	Email   string        `long:"email" required:"true" description:"Client email to list node accumulations of"`
	DataDir string        `long:"data-dir" env:"DATA_DIR" default:"/app/data" description:"Directory holding the state database"`
	DB      string        `long:"db" env:"DB_FILE" description:"Path of the state database. Defaults to <data-dir>/traffic_state.db"`
	Log     mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func (cmd cmdStateNodes) Execute(_ []string) error {
	mbp.InitLog(cmd.Log)
	return printCounters(cmd.DataDir, cmd.DB, cmd.Email, true)
}

func printCounters(dataDir, dbPath, email string, nodeTotals bool) error {
	var store, err = openStateDB(dataDir, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	var rows []state.Counter
	if nodeTotals {
		rows, err = store.ListNodeTotals(context.Background(), email)
	} else {
		rows, err = store.ListCounters(context.Background(), email)
	}
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		fmt.Printf("%s\n", faint("no rows for "+email))
		return nil
	}
	for _, row := range rows {
		fmt.Printf("%s\tup=%d\tdown=%d\n", cyan(row.Server), row.Traffic.Up, row.Traffic.Down)
	}
	return nil
}

// openStateDB opens the worker's database with default options. Inspection
// shares the file with a running worker through SQLite's own locking.
func openStateDB(dataDir, dbPath string) (*state.Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "traffic_state.db")
	}
	return state.Open(dbPath, state.Options{WAL: true, Synchronous: "NORMAL"})
}

var cyan = color.New(color.FgCyan).SprintFunc()
var faint = color.New(color.Faint).SprintFunc()
