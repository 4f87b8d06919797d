// Command geosplit splits geoparquet datasets by county.
//
// Usage:
//
//	geosplit [flags] input_dir
//
// Each partition key found in the main file becomes a subdirectory of the
// output directory holding the geometry and attribute parquet files for
// that county, plus a plain-text summary report at the output root.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"geosplit/internal/config"
	"geosplit/internal/metrics"
	"geosplit/internal/metrics/datadog"
	"geosplit/internal/runner"
)

func main() {
	var (
		county          = flag.String("county", "", "process only this county (default: all counties)")
		output          = flag.String("output", config.DefaultOutputDir, "output directory")
		listCounties    = flag.Bool("list-counties", false, "list counties found in the main file and exit")
		mainFile        = flag.String("main-file", "", "file name of the main geometry file (default: largest file)")
		partitionColumn = flag.String("partition-column", config.DefaultPartitionColumn, "column to partition by")
		geometryColumn  = flag.String("geometry-column", config.DefaultGeometryColumn, "name of the geometry column")
		idColumn        = flag.String("id-column", config.DefaultIdentifierColumn, "identifier column kept alongside geometry")
		ledger          = flag.String("ledger", "", "sqlite path for recording run history (default: off)")
		metricsBackend  = flag.String("metrics-backend", "none", "metrics backend: none or datadog")
		verbose         = flag.Bool("v", false, "verbose per-county logging")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: geosplit [flags] input_dir")
		flag.PrintDefaults()
		os.Exit(2)
	}
	inputDir := flag.Arg(0)
	if st, err := os.Stat(inputDir); err != nil || !st.IsDir() {
		fatalf("input directory %s does not exist", inputDir)
	}

	cfg := config.Config{
		InputDir:         inputDir,
		OutputDir:        *output,
		TargetCounty:     *county,
		MainFile:         *mainFile,
		PartitionColumn:  *partitionColumn,
		GeometryColumn:   *geometryColumn,
		IdentifierColumn: *idColumn,
		LedgerDSN:        *ledger,
		Verbose:          *verbose,
	}

	ctx := context.Background()
	logger := log.New(os.Stderr, "", log.LstdFlags)
	r := runner.NewDefaultRunner(logger)

	if *listCounties {
		counties, err := r.ListCounties(ctx, cfg)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Found %d counties:\n", len(counties))
		for _, c := range counties {
			fmt.Printf("  - %s\n", c)
		}
		return
	}

	switch *metricsBackend {
	case "none", "":
	case "datadog":
		backend, err := datadog.NewBackend(ctx, datadog.Options{
			Tags: datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
		})
		if err != nil {
			fatalf("metrics: %v", err)
		}
		defer backend.Close()
		metrics.SetBackend(backend)
	default:
		fatalf("unknown metrics backend %q", *metricsBackend)
	}

	if err := r.Run(ctx, cfg); err != nil {
		fatalf("%v", err)
	}
}

func fatalf(format string, v ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", v...)
	os.Exit(1)
}
