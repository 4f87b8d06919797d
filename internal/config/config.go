// Package config defines the run configuration for the splitter and its
// validation. Validation reports a list of issues rather than a single
// error so the CLI can print everything wrong with an invocation at once.
package config

// Config describes one split run.
type Config struct {
	// InputDir holds the parquet files to split.
	InputDir string

	// OutputDir is the output root. Created if absent.
	OutputDir string

	// TargetCounty, when non-empty, pins the run to a single partition key
	// and makes the extractor prefer the engine-side filtered query.
	TargetCounty string

	// MainFile optionally names the main geometry-bearing file (relative to
	// InputDir). When empty the largest file by byte size is assumed to be
	// the main file; that heuristic is a producer convention, not a
	// structural guarantee, which is why it can be overridden here.
	MainFile string

	// PartitionColumn is the column whose distinct values define the output
	// groups.
	PartitionColumn string

	// GeometryColumn names the spatial column in geometry-bearing files.
	GeometryColumn string

	// IdentifierColumn is the canonical join key expected in the main file.
	IdentifierColumn string

	// LedgerDSN, when non-empty, enables recording completed runs into a
	// SQLite ledger at this DSN.
	LedgerDSN string

	// Verbose enables per-partition progress logging.
	Verbose bool
}

// Defaults mirror the dataset producer's conventions.
const (
	DefaultOutputDir        = "output_by_county"
	DefaultPartitionColumn  = "COUNTY"
	DefaultGeometryColumn   = "geometry"
	DefaultIdentifierColumn = "PARCEL_LID"
)

// ApplyDefaults fills unset fields with the producer-convention defaults.
func (c *Config) ApplyDefaults() {
	if c.OutputDir == "" {
		c.OutputDir = DefaultOutputDir
	}
	if c.PartitionColumn == "" {
		c.PartitionColumn = DefaultPartitionColumn
	}
	if c.GeometryColumn == "" {
		c.GeometryColumn = DefaultGeometryColumn
	}
	if c.IdentifierColumn == "" {
		c.IdentifierColumn = DefaultIdentifierColumn
	}
}

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// Validate checks structural config problems. Filesystem-level checks
// (input dir existence, file discovery) happen at run time in the runner,
// because they depend on state that can change between validation and run.
func Validate(c Config) []Issue {
	var issues []Issue

	if c.InputDir == "" {
		issues = append(issues, Issue{SeverityError, "input_dir", "input directory is required"})
	}
	if c.OutputDir == "" {
		issues = append(issues, Issue{SeverityError, "output_dir", "output directory must not be empty"})
	}
	if c.PartitionColumn == "" {
		issues = append(issues, Issue{SeverityError, "partition_column", "partition column must not be empty"})
	}
	if c.GeometryColumn == "" {
		issues = append(issues, Issue{SeverityError, "geometry_column", "geometry column must not be empty"})
	}
	if c.GeometryColumn != "" && c.GeometryColumn == c.PartitionColumn {
		issues = append(issues, Issue{SeverityError, "geometry_column", "geometry column and partition column must differ"})
	}
	if c.IdentifierColumn == "" {
		issues = append(issues, Issue{SeverityWarning, "id_column", "no canonical identifier column; geometry outputs may be written without a join key"})
	}
	return issues
}

// HasError reports whether any issue is an error.
func HasError(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
