/*
main.go - Catalog maintenance CLI

PURPOSE:
  Operator commands that run against the same SQLite database as the
  server, without going through HTTP:

    reconcile     -manifest events.yaml [-dry-run] [-prune]
    conflicts     -year 2026
    integrity     -year 2026
    import-ics    -file feriados.ics -from 2025 -to 2026 [-event "Asunción"]
    import-sales  -file ventas.xlsx [-source CONTA]
    resolve       -year 2026 [-stores T001,T002] [-out budget.xlsx]

  Every command takes -config and -db like the server.

EXIT CODES:
  0 success, 1 failure, 2 usage error. conflicts and integrity exit 1 when
  the catalog has findings, so they can gate a budget run in CI.
*/
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kpiportal/refdate-engine/api"
	"github.com/kpiportal/refdate-engine/config"
	"github.com/kpiportal/refdate-engine/factory"
	"github.com/kpiportal/refdate-engine/importer"
	"github.com/kpiportal/refdate-engine/refdate"
	"github.com/kpiportal/refdate-engine/store/sqlite"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, env *env, args []string) error
}

var commands = []command{
	{"reconcile", "apply a YAML/JSON event manifest", runReconcile},
	{"conflicts", "list precedence conflicts of a year", runConflicts},
	{"integrity", "run the full integrity check of a year", runIntegrity},
	{"import-ics", "import public holidays from an ICS calendar", runImportICS},
	{"import-sales", "import daily sales from an XLS/XLSX export", runImportSales},
	{"resolve", "resolve a full year and write CSV or XLSX", runResolve},
}

// env is the wired engine shared by all commands.
type env struct {
	cfg     *config.Config
	store   *sqlite.Store
	handler *api.Handler
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	name := os.Args[1]
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := dispatch(c, os.Args[2:]); err != nil {
			log.Printf("%s: %v", c.name, err)
			os.Exit(1)
		}
		return
	}
	usage()
	os.Exit(2)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: catalogctl <command> [flags]")
	fmt.Fprintln(os.Stderr)
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-13s %s\n", c.name, c.usage)
	}
}

// dispatch peels off -config and -db, opens the store and runs c with the
// remaining arguments.
func dispatch(c command, args []string) error {
	fs := flag.NewFlagSet(c.name, flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "YAML config file")
	dbPath := fs.String("db", "", "SQLite database path (overrides config)")
	fs.SetOutput(io.Discard)

	var rest []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-config" || a == "--config" || a == "-db" || a == "--db":
			if i+1 < len(args) {
				if err := fs.Parse([]string{a, args[i+1]}); err != nil {
					return err
				}
				i++
			}
		case strings.HasPrefix(a, "-config=") || strings.HasPrefix(a, "--config=") ||
			strings.HasPrefix(a, "-db=") || strings.HasPrefix(a, "--db="):
			if err := fs.Parse([]string{a}); err != nil {
				return err
			}
		default:
			rest = append(rest, a)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	e := &env{cfg: cfg, store: store, handler: api.NewHandler(store, cfg)}
	return c.run(context.Background(), e, rest)
}

// =============================================================================
// COMMANDS
// =============================================================================

func runReconcile(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	path := fs.String("manifest", "", "manifest file (.yaml or .json)")
	dryRun := fs.Bool("dry-run", false, "report changes without writing")
	prune := fs.Bool("prune", false, "delete events not named in the manifest")
	actor := fs.String("actor", "catalogctl", "recorded as modified_by")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("-manifest is required")
	}

	m, err := factory.LoadManifest(*path)
	if err != nil {
		return err
	}
	report, err := e.handler.Catalog.Reconcile(ctx, m, refdate.ReconcileOptions{DryRun: *dryRun, Prune: *prune, Actor: *actor})
	if err != nil {
		return err
	}
	printReconcile(report)
	return nil
}

func printReconcile(r refdate.ReconcileReport) {
	mode := "applied"
	if r.DryRun {
		mode = "dry run"
	}
	if !r.Changed() {
		fmt.Printf("%s: catalog already matches manifest\n", mode)
		return
	}
	fmt.Printf("%s:\n", mode)
	for _, n := range r.EventsCreated {
		fmt.Printf("  + event %s\n", n)
	}
	for _, n := range r.EventsUpdated {
		fmt.Printf("  ~ event %s\n", n)
	}
	for _, n := range r.EventsDeleted {
		fmt.Printf("  - event %s\n", n)
	}
	for _, o := range r.OccurrencesAdded {
		fmt.Printf("  + occurrence event=%d %s%s\n", o.EventID, o.EffectiveDate, scopeSuffix(o.Scope))
	}
	for _, o := range r.OccurrencesRemoved {
		fmt.Printf("  - occurrence event=%d %s%s\n", o.EventID, o.EffectiveDate, scopeSuffix(o.Scope))
	}
}

func scopeSuffix(s refdate.Scope) string {
	var parts []string
	if s.Channel != refdate.ChannelAny {
		parts = append(parts, "channel="+string(s.Channel))
	}
	if s.Group != 0 {
		parts = append(parts, fmt.Sprintf("group=%d", s.Group))
	}
	if len(parts) == 0 {
		return ""
	}
	return " [" + strings.Join(parts, " ") + "]"
}

func runConflicts(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("conflicts", flag.ContinueOnError)
	year := fs.Int("year", 0, "target year")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *year == 0 {
		return fmt.Errorf("-year is required")
	}

	conflicts, err := e.handler.Catalog.ListConflicts(ctx, *year)
	if err != nil {
		return err
	}
	printConflicts(conflicts)
	if len(conflicts) > 0 {
		return fmt.Errorf("%d conflicts in %d", len(conflicts), *year)
	}
	fmt.Printf("no conflicts in %d\n", *year)
	return nil
}

func printConflicts(conflicts []refdate.ConflictReport) {
	for _, c := range conflicts {
		ids := make([]string, 0, len(c.Occurrences))
		for _, o := range c.Occurrences {
			ids = append(ids, fmt.Sprintf("%d(event %d)", o.ID, o.EventID))
		}
		fmt.Printf("%s channel=%q specificity=%d stores=%d occurrences=%s\n",
			c.Date, c.Channel, c.Specificity, len(c.Stores), strings.Join(ids, ","))
	}
}

func runIntegrity(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("integrity", flag.ContinueOnError)
	year := fs.Int("year", 0, "target year")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *year == 0 {
		return fmt.Errorf("-year is required")
	}

	offset, err := e.handler.Offset.Get(ctx)
	if err != nil {
		return err
	}
	report, err := e.handler.Catalog.CheckIntegrity(ctx, *year, offset)
	if err != nil {
		return err
	}
	printConflicts(report.Conflicts)
	for _, m := range report.MissingCounterparts {
		fmt.Printf("%s %s: no occurrence in %d\n", m.Occurrence.EffectiveDate, m.EventName, m.BaseYear)
	}
	for _, s := range report.InvalidScopes {
		fmt.Printf("occurrence %d: %s\n", s.Occurrence.ID, s.Reason)
	}
	if !report.Clean() {
		return fmt.Errorf("catalog for %d has findings", *year)
	}
	fmt.Printf("catalog for %d is clean (base year %d)\n", *year, report.BaseYear)
	return nil
}

func runImportICS(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("import-ics", flag.ContinueOnError)
	path := fs.String("file", "", "ICS calendar")
	from := fs.Int("from", 0, "first year to import")
	to := fs.Int("to", 0, "last year to import")
	event := fs.String("event", "", "only import holidays with this summary")
	budget := fs.Bool("budget", true, "mark new events use_in_budget")
	dryRun := fs.Bool("dry-run", false, "report changes without writing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" || *from == 0 {
		return fmt.Errorf("-file and -from are required")
	}
	if *to == 0 {
		*to = *from
	}

	f, err := os.Open(*path)
	if err != nil {
		return err
	}
	defer f.Close()

	holidays, err := importer.ParseHolidayCalendar(f, *from, *to)
	if err != nil {
		return err
	}
	var years []int
	for y := *from; y <= *to; y++ {
		years = append(years, y)
	}
	m := importer.HolidayManifest(holidays, importer.HolidayOptions{Years: years, UseInBudget: *budget, EventName: *event})
	if len(m.Events) == 0 {
		return fmt.Errorf("no matching holidays in %s", filepath.Base(*path))
	}

	report, err := e.handler.Catalog.Reconcile(ctx, m, refdate.ReconcileOptions{DryRun: *dryRun, Actor: "ics-import"})
	if err != nil {
		return err
	}
	printReconcile(report)
	return nil
}

func runImportSales(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("import-sales", flag.ContinueOnError)
	path := fs.String("file", "", "XLS or XLSX sales export")
	source := fs.String("source", "", "source system of the export, for store aliases")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("-file is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		return err
	}
	defer f.Close()

	idx, err := refdate.LoadGroupIndex(ctx, e.store)
	if err != nil {
		return err
	}
	n, rowErrs, err := importer.ImportSales(ctx, e.store, f, *path, importer.SalesImport{Source: *source, Stores: idx})
	if err != nil {
		return err
	}
	for _, re := range rowErrs {
		fmt.Println(re.Error())
	}
	fmt.Printf("%d rows imported, %d rejected\n", n, len(rowErrs))
	return nil
}

func runResolve(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	year := fs.Int("year", 0, "target year")
	offset := fs.Int("offset", 0, "base offset years (default: active setting)")
	stores := fs.String("stores", "", "comma-separated store codes (default: all)")
	channels := fs.String("channels", "", "comma-separated channels (default: unscoped)")
	out := fs.String("out", "", "output file, .csv or .xlsx (default: CSV on stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *year == 0 {
		return fmt.Errorf("-year is required")
	}

	if *offset == 0 {
		v, err := e.handler.Offset.Get(ctx)
		if err != nil {
			return err
		}
		*offset = v
	}

	var storeList []string
	if *stores != "" {
		storeList = splitList(*stores)
	} else {
		idx, err := e.handler.Groups.Get(ctx)
		if err != nil {
			return err
		}
		storeList = idx.Stores()
	}
	chList := []refdate.Channel{refdate.ChannelAny}
	if *channels != "" {
		chList = chList[:0]
		for _, c := range splitList(*channels) {
			ch, err := refdate.ParseChannel(c)
			if err != nil {
				return err
			}
			chList = append(chList, ch)
		}
	}

	res, err := e.handler.Resolver.ResolveBatch(ctx, refdate.BatchRequest{
		TargetYear:      *year,
		BaseOffsetYears: *offset,
		Scopes:          refdate.FullYearScopes(*year, storeList, chList),
	})
	if err != nil {
		return err
	}
	for _, be := range res.Errors {
		log.Printf("%s %s %q: %s: %v", be.Scope.Date, be.Scope.StoreCode, be.Scope.Channel, be.Kind, be.Err)
	}

	rows := resolutionRows(res.Results)
	switch {
	case *out == "":
		err = writeCSV(os.Stdout, rows)
	case strings.EqualFold(filepath.Ext(*out), ".xlsx"):
		err = writeXLSX(*out, rows)
	default:
		var f *os.File
		if f, err = os.Create(*out); err == nil {
			err = writeCSV(f, rows)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}
	}
	if err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d of %d tuples failed", len(res.Errors), len(res.Errors)+len(res.Results))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var resolutionHeader = []string{
	"target_date", "store_code", "channel",
	"natural_reference_date", "adjusted_reference_date", "override_applied", "event_id", "warning",
}

func resolutionRows(results []refdate.ResolutionResult) [][]string {
	rows := make([][]string, 0, len(results)+1)
	rows = append(rows, resolutionHeader)
	for _, r := range results {
		eventID := ""
		if r.OverrideApplied {
			eventID = fmt.Sprint(r.EventID)
		}
		rows = append(rows, []string{
			r.TargetDate.String(), r.StoreCode, string(r.Channel),
			r.NaturalReferenceDate.String(), r.AdjustedReferenceDate.String(),
			fmt.Sprint(r.OverrideApplied), eventID, r.Warning,
		})
	}
	return rows
}

func writeCSV(w io.Writer, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

func writeXLSX(path string, rows [][]string) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Sheet1"
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		values := make([]any, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
	}
	if err := f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return err
	}
	return f.SaveAs(path)
}
