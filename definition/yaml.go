package definition

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xraph/orchestra/expr"
)

// LoadYAML decodes every YAML document in r into a Definition. Templates
// are normalized to the JSON data model and each definition is validated.
func LoadYAML(r io.Reader) ([]*Definition, error) {
	dec := yaml.NewDecoder(r)
	var defs []*Definition
	for {
		var d Definition
		err := dec.Decode(&d)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("definition: decode yaml: %w", err)
		}
		if err := normalizeTemplates(&d); err != nil {
			return nil, err
		}
		if err := Validate(&d); err != nil {
			return nil, err
		}
		defs = append(defs, &d)
	}
	return defs, nil
}

// LoadFile reads definitions from a YAML file.
func LoadFile(path string) ([]*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("definition: open %s: %w", path, err)
	}
	defer f.Close()
	return LoadYAML(f)
}

func normalizeTemplates(d *Definition) error {
	for i := range d.Tasks {
		if d.Tasks[i].Input == nil {
			continue
		}
		in, err := expr.NormalizeObject(d.Tasks[i].Input)
		if err != nil {
			return fmt.Errorf("definition: task %q input: %w", d.Tasks[i].Ref, err)
		}
		d.Tasks[i].Input = in
	}
	if d.Output != nil {
		out, err := expr.NormalizeObject(d.Output)
		if err != nil {
			return fmt.Errorf("definition: output: %w", err)
		}
		d.Output = out
	}
	return nil
}
