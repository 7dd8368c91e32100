package cmd

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/encoding/yaml"
)

// schemaSource returns the --schema file contents, or the built-in schema.
func schemaSource() (string, []byte, error) {
	if schemaFile == "" {
		return "config.cue", configSchema, nil
	}
	data, err := os.ReadFile(schemaFile)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return schemaFile, data, nil
}

// checkAgainstSchema unifies a YAML document with the configuration schema and returns
// every violation with its position.
func checkAgainstSchema(name string, data []byte) error {
	schemaName, schemaData, err := schemaSource()
	if err != nil {
		return err
	}

	ctx := cuecontext.New()
	schema := ctx.CompileBytes(schemaData, cue.Filename(schemaName))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("failed to compile CUE schema: %w", err)
	}

	file, err := yaml.Extract(name, data)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	value := ctx.BuildFile(file)
	if err := value.Err(); err != nil {
		return fmt.Errorf("failed to build %s: %w", name, err)
	}

	if err := schema.Unify(value).Validate(); err != nil {
		return fmt.Errorf("%s does not match the schema:\n%s", name, cueerrors.Details(err, nil))
	}
	return nil
}
