package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shibukawa/modeltest"
	"github.com/shibukawa/modeltest/backend"
	"github.com/shibukawa/modeltest/harness"
	"github.com/shibukawa/modeltest/model"
)

// Context represents the global context for commands
type Context struct {
	Verbose bool
	Quiet   bool
}

// TestCmd represents the test command
type TestCmd struct {
	RunPattern       string `help:"Run only tests whose name contains the pattern" short:"r"`
	Timeout          string `help:"Per-test timeout duration" default:"30s"`
	Parallel         int    `help:"Number of parallel workers" default:"0"` // 0 means use CPU count
	Driver           string `help:"Database driver (postgres, mysql, sqlite)" default:"sqlite" env:"MODELTEST_DRIVER"`
	Connection       string `help:"Database connection string" default:":memory:" env:"MODELTEST_CONNECTION"`
	Models           string `help:"Model definition file" default:"models.yaml" type:"path"`
	Tests            string `help:"Test directory" default:"tests" type:"path"`
	DefaultCatalog   string `help:"Default catalog for two-part model names" env:"MODELTEST_CATALOG"`
	PreserveFixtures bool   `help:"Keep fixture tables after the run, for debugging"`
}

// Run executes the test command
func (cmd *TestCmd) Run(appCtx *Context) error {
	timeout, err := time.ParseDuration(cmd.Timeout)
	if err != nil {
		return fmt.Errorf("invalid timeout duration: %w", err)
	}

	parallel := cmd.Parallel
	if parallel <= 0 {
		parallel = runtime.NumCPU()
	}

	dialect, err := dialectFromDriver(cmd.Driver)
	if err != nil {
		return err
	}

	db, err := sql.Open(normalizeSQLDriverName(cmd.Driver), cmd.Connection)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if appCtx.Verbose {
		fmt.Printf("Database: %s\n", cmd.Driver)
		fmt.Printf("Parallel workers: %d\n", parallel)
		fmt.Printf("Timeout: %s\n", timeout)
		fmt.Println()
	}

	models, err := model.LoadModels(cmd.Models, cmd.DefaultCatalog, dialect)
	if err != nil {
		return err
	}

	tests, err := harness.LoadDir(cmd.Tests)
	if err != nil {
		return err
	}

	runner := harness.NewRunner(harness.Options{
		Models:           models,
		Backend:          backend.NewSQLBackend(db, dialect),
		DefaultCatalog:   cmd.DefaultCatalog,
		PreserveFixtures: cmd.PreserveFixtures,
	}, &harness.RunnerOptions{
		Parallel: parallel,
		Timeout:  timeout,
		Pattern:  cmd.RunPattern,
		Verbose:  appCtx.Verbose,
	})

	summary := runner.RunTests(ctx, tests)

	if !appCtx.Quiet {
		runner.PrintSummary(os.Stdout, summary)
	}

	if summary.FailedTests > 0 {
		os.Exit(1)
	}

	return nil
}

// GenerateCmd represents the generate command
type GenerateCmd struct {
	Model          string            `help:"Model to generate a test for" arg:""`
	Query          map[string]string `help:"Input query per upstream model (name=SELECT ...)" short:"i"`
	Var            map[string]string `help:"Variable recorded in the generated test"`
	Name           string            `help:"Test name (default: test_<model>)"`
	Path           string            `help:"Output file name under the tests directory"`
	IncludeCTEs    bool              `help:"Also capture expectations for every sub-expression"`
	Overwrite      bool              `help:"Replace an existing test file" short:"f"`
	Driver         string            `help:"Database driver (postgres, mysql, sqlite)" default:"sqlite" env:"MODELTEST_DRIVER"`
	Connection     string            `help:"Database connection string" default:":memory:" env:"MODELTEST_CONNECTION"`
	Models         string            `help:"Model definition file" default:"models.yaml" type:"path"`
	Project        string            `help:"Project root the tests directory lives under" default:"." type:"path"`
	DefaultCatalog string            `help:"Default catalog for two-part model names" env:"MODELTEST_CATALOG"`
}

// Run executes the generate command
func (cmd *GenerateCmd) Run(appCtx *Context) error {
	dialect, err := dialectFromDriver(cmd.Driver)
	if err != nil {
		return err
	}

	db, err := sql.Open(normalizeSQLDriverName(cmd.Driver), cmd.Connection)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	models, err := model.LoadModels(cmd.Models, cmd.DefaultCatalog, dialect)
	if err != nil {
		return err
	}

	variables := make(map[string]any, len(cmd.Var))
	for key, value := range cmd.Var {
		variables[key] = value
	}

	path, err := harness.Generate(ctx, harness.GenerateOptions{
		Model:          cmd.Model,
		InputQueries:   cmd.Query,
		Models:         models,
		Backend:        backend.NewSQLBackend(db, dialect),
		ProjectPath:    cmd.Project,
		Overwrite:      cmd.Overwrite,
		Variables:      variables,
		Path:           cmd.Path,
		Name:           cmd.Name,
		IncludeCTEs:    cmd.IncludeCTEs,
		DefaultCatalog: cmd.DefaultCatalog,
	})
	if err != nil {
		return err
	}

	if !appCtx.Quiet {
		rel := path
		if r, rerr := filepath.Rel(cmd.Project, path); rerr == nil {
			rel = r
		}

		fmt.Printf("Generated %s\n", rel)
	}

	return nil
}

// VersionCmd represents the version command
type VersionCmd struct{}

// Run executes the version command
func (cmd *VersionCmd) Run() error {
	fmt.Println("modeltest v0.1.0")
	return nil
}

func normalizeSQLDriverName(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pgx":
		return "pgx"
	case "mysql", "mariadb":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite3"
	default:
		return strings.ToLower(strings.TrimSpace(driver))
	}
}

func dialectFromDriver(driver string) (modeltest.Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pgx":
		return modeltest.DialectPostgres, nil
	case "mysql", "mariadb":
		return modeltest.DialectMySQL, nil
	case "sqlite", "sqlite3":
		return modeltest.DialectSQLite, nil
	case "duckdb":
		return modeltest.DialectDuckDB, nil
	default:
		return "", fmt.Errorf("%w: '%s'", modeltest.ErrUnsupportedDialect, driver)
	}
}

// loadEnvFiles loads .env files if they exist
func loadEnvFiles() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}

// CLI represents the command-line interface
var CLI struct {
	Verbose  bool        `help:"Enable verbose output" short:"v"`
	Quiet    bool        `help:"Suppress output" short:"q"`
	Test     TestCmd     `cmd:"" help:"Run model tests"`
	Generate GenerateCmd `cmd:"" help:"Generate a test from live data"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

func main() {
	loadEnvFiles()

	ctx := kong.Parse(&CLI)

	appCtx := &Context{
		Verbose: CLI.Verbose,
		Quiet:   CLI.Quiet,
	}

	err := ctx.Run(appCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
