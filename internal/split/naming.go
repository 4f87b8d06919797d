package split

import "strings"

// SafeName normalizes a partition key into a filesystem-safe directory and
// file-name component. Spaces and hyphens become underscores, so
// "Hood River" and "Hood-River" map to the same name, matching the dataset
// producer's convention. Output paths are part of the external contract;
// the mapping must stay deterministic.
func SafeName(county string) string {
	r := strings.NewReplacer(" ", "_", "-", "_")
	return r.Replace(county)
}

// GeometryFileName returns the geometry output file name for one
// (partition key, source file) pair.
func GeometryFileName(countySafe, stem string) string {
	return countySafe + "_" + stem + "_geometry.parquet"
}

// AttributesFileName returns the attribute output file name for one
// (partition key, source file) pair.
func AttributesFileName(countySafe, stem string) string {
	return countySafe + "_" + stem + "_attributes.parquet"
}
