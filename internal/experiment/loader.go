package experiment

import (
	"embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed all:definitions
var embeddedDefinitions embed.FS

// Definition is an experiment described on disk: variants, configuration and
// the dataset of inputs the variants are tested against.
type Definition struct {
	Name          string           `yaml:"name"`
	Description   string           `yaml:"description"`
	SystemMessage string           `yaml:"system_message"`
	Variants      []PromptVariant  `yaml:"variants"`
	Config        Config           `yaml:"config"`
	InputsFile    string           `yaml:"inputs_file"`
	Inputs        []map[string]any `yaml:"-"` // loaded separately from CSV
}

// Load loads an experiment definition by name, searching first in the external
// directory (if provided), then in the embedded definitions.
func Load(name string, externalDir string) (*Definition, error) {
	if externalDir != "" {
		dir := filepath.Join(externalDir, name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return loadFromFS(os.DirFS(dir), name)
		}
	}

	// embed.FS always uses forward slashes.
	subFS, err := fs.Sub(embeddedDefinitions, path.Join("definitions", name))
	if err != nil {
		return nil, fmt.Errorf("experiment definition %q not found: %w", name, err)
	}
	return loadFromFS(subFS, name)
}

// LoadDefinition loads a definition from a directory containing config.yaml.
func LoadDefinition(dir string) (*Definition, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat definition directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return loadFromFS(os.DirFS(dir), filepath.Base(dir))
}

// List returns the names of all available experiment definitions.
func List(externalDir string) ([]string, error) {
	seen := make(map[string]bool)
	var names []string

	entries, err := fs.ReadDir(embeddedDefinitions, "definitions")
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				seen[e.Name()] = true
				names = append(names, e.Name())
			}
		}
	}

	if externalDir != "" {
		entries, err := os.ReadDir(externalDir)
		if err == nil {
			for _, e := range entries {
				if e.IsDir() && !seen[e.Name()] {
					names = append(names, e.Name())
				}
			}
		}
	}

	return names, nil
}

func loadFromFS(fsys fs.FS, name string) (*Definition, error) {
	data, err := fs.ReadFile(fsys, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read config.yaml for experiment %q: %w", name, err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse config.yaml for experiment %q: %w", name, err)
	}

	if def.Name == "" {
		def.Name = name
	}
	if def.InputsFile == "" {
		def.InputsFile = "inputs.csv"
	}

	inputs, err := loadInputsFromFS(fsys, def.InputsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load inputs for experiment %q: %w", name, err)
	}
	def.Inputs = inputs

	return &def, nil
}

// LoadInputs reads a CSV dataset from path.
func LoadInputs(path string) ([]map[string]any, error) {
	return loadInputsFromFS(os.DirFS(filepath.Dir(path)), filepath.Base(path))
}

// loadInputsFromFS reads a CSV dataset. Each header column becomes an input
// key, matched against template placeholders at render time.
func loadInputsFromFS(fsys fs.FS, filename string) ([]map[string]any, error) {
	f, err := fsys.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filename, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
		if header[i] == "" {
			return nil, fmt.Errorf("CSV column %d has an empty header", i+1)
		}
	}

	var inputs []map[string]any
	for lineNum := 2; ; lineNum++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row %d: %w", lineNum, err)
		}
		if len(record) != len(header) {
			return nil, fmt.Errorf("CSV row %d has %d columns, expected %d", lineNum, len(record), len(header))
		}

		row := make(map[string]any, len(header))
		for i, col := range header {
			row[col] = record[i]
		}
		inputs = append(inputs, row)
	}

	return inputs, nil
}
