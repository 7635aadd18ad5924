// Package main implements schema-validate, an offline tool that validates a
// candidate klass schema and prints the mapping and index changes an edit
// would produce, without touching any tenant store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Syncano/syncano-platform-sub000/internal/config"
	"github.com/Syncano/syncano-platform-sub000/internal/dialect"
	"github.com/Syncano/syncano-platform-sub000/internal/errors"
	"github.com/Syncano/syncano-platform-sub000/internal/index"
	"github.com/Syncano/syncano-platform-sub000/internal/schema"
	"github.com/Syncano/syncano-platform-sub000/pkg/types"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// previousState is the klass an edit starts from.
type previousState struct {
	Schema          types.Schema          `json:"schema"`
	Mapping         types.Mapping         `json:"mapping"`
	ExistingIndexes types.ExistingIndexes `json:"existing_indexes"`
	Revision        int64                 `json:"revision"`
}

// report is what the tool prints on success.
type report struct {
	Schema          types.Schema          `json:"schema"`
	Mapping         types.Mapping         `json:"mapping"`
	Revision        int64                 `json:"revision"`
	IndexChanges    *types.IndexChanges   `json:"index_changes"`
	ExistingIndexes types.ExistingIndexes `json:"existing_indexes"`
	Locks           bool                  `json:"locks"`
}

// staticRegistry answers reference target lookups from a fixed name list.
type staticRegistry map[string]bool

func (r staticRegistry) KlassExists(_ context.Context, name string) (bool, error) {
	return r[name], nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("schema-validate", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		previousFile string
		configFile   string
		dialectName  string
		klasses      string
	)
	fs.StringVar(&previousFile, "previous", "", "JSON file with the current klass (schema, mapping, existing_indexes, revision)")
	fs.StringVar(&configFile, "config", "", "Configuration file providing validation limits")
	fs.StringVar(&dialectName, "dialect", string(config.DialectPostgres), "Dialect used to resolve column types: sqlite, postgres")
	fs.StringVar(&klasses, "klasses", "", "Comma-separated klass names valid as reference targets")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: schema-validate [options] <candidate.json>\n\n")
		fmt.Fprintf(stderr, "Validates a candidate schema and prints the resulting mapping and index changes.\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFromFile(configFile); err != nil {
			fmt.Fprintf(stderr, "schema-validate: %v\n", err)
			return 2
		}
	}
	d, err := dialect.New(config.Dialect(dialectName))
	if err != nil {
		fmt.Fprintf(stderr, "schema-validate: %v\n", err)
		return 2
	}

	candidate, err := readCandidate(fs.Arg(0))
	if err != nil {
		return fail(stdout, stderr, err)
	}
	prev, err := readPrevious(previousFile)
	if err != nil {
		fmt.Fprintf(stderr, "schema-validate: %v\n", err)
		return 2
	}

	registry := staticRegistry{}
	for _, name := range strings.Split(klasses, ",") {
		if name = strings.TrimSpace(name); name != "" {
			registry[name] = true
		}
	}

	validator := schema.NewValidator(schema.LimitsFromConfig(cfg.Limits), registry)
	normalized, err := validator.Validate(ctx, candidate, prev.Schema)
	if err != nil {
		return fail(stdout, stderr, err)
	}

	out := report{
		Schema:          normalized,
		Mapping:         prev.Mapping,
		Revision:        prev.Revision,
		ExistingIndexes: prev.ExistingIndexes,
	}
	if !normalized.Equal(prev.Schema) {
		out.Mapping = schema.ResolveMapping(prev.Schema, prev.Mapping, normalized, prev.Revision)
		out.Revision = prev.Revision + 1
		out.IndexChanges, out.ExistingIndexes = index.ComputeDiff(prev.Schema, normalized,
			prev.Mapping, out.Mapping, prev.ExistingIndexes, d.ColumnType)
		if out.IndexChanges != nil {
			out.ExistingIndexes = prev.ExistingIndexes
		}
		out.Locks = out.IndexChanges != nil
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "schema-validate: %v\n", err)
		return 2
	}
	return 0
}

func readCandidate(path string) ([]schema.FieldInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCategoryValidation, errors.CodeInvalidSchema,
			"failed to read candidate schema", err)
	}
	return schema.DecodeFields(data)
}

func readPrevious(path string) (*previousState, error) {
	prev := &previousState{
		Schema:   types.Schema{},
		Mapping:  types.Mapping{},
		Revision: 1,
	}
	if path == "" {
		return prev, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read previous klass: %w", err)
	}
	if err := json.Unmarshal(data, prev); err != nil {
		return nil, fmt.Errorf("failed to parse previous klass: %w", err)
	}
	if prev.Mapping == nil {
		prev.Mapping = types.Mapping{}
	}
	if prev.Revision < 1 {
		prev.Revision = 1
	}
	return prev, nil
}

// fail prints a validation error as JSON and returns exit code 1.
func fail(stdout, stderr io.Writer, err error) int {
	body := map[string]any{
		"error":    err.Error(),
		"category": errors.GetCategory(err),
		"code":     errors.GetCode(err),
	}
	if details := errors.GetDetails(err); details != nil {
		body["details"] = details
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(body); encErr != nil {
		fmt.Fprintf(stderr, "schema-validate: %v\n", err)
	}
	return 1
}
