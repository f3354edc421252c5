package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

type OutputOptions struct {
	Format OutputFormat
	Quiet  bool
	Writer io.Writer
}

func NewOutputOptions() *OutputOptions {
	return &OutputOptions{
		Format: OutputTable,
		Writer: os.Stdout,
	}
}

func FormatOutput(data any, format OutputFormat) (string, error) {
	switch format {
	case OutputJSON:
		b, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal JSON: %w", err)
		}
		return string(b), nil
	case OutputYAML:
		b, err := yaml.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("marshal YAML: %w", err)
		}
		return string(b), nil
	default:
		return formatTable(data)
	}
}

// formatTable renders slices as header+row tables and single structs as
// key/value pairs, using json tags for column names.
func formatTable(data any) (string, error) {
	if data == nil {
		return "", nil
	}

	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return "", nil
		}
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		return sliceTable(v)
	case reflect.Struct:
		return structTable(v)
	case reflect.Map:
		return mapTable(v)
	default:
		return fmt.Sprintf("%v\n", data), nil
	}
}

func sliceTable(v reflect.Value) (string, error) {
	if v.Len() == 0 {
		return "No items\n", nil
	}

	first := reflect.Indirect(v.Index(0))
	if first.Kind() != reflect.Struct {
		var sb strings.Builder
		for i := 0; i < v.Len(); i++ {
			fmt.Fprintf(&sb, "%v\n", v.Index(i).Interface())
		}
		return sb.String(), nil
	}

	cols := columnNames(first.Type())

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(upper(cols), "\t"))
	for i := 0; i < v.Len(); i++ {
		row := reflect.Indirect(v.Index(i))
		fmt.Fprintln(w, strings.Join(columnValues(row, cols), "\t"))
	}
	w.Flush()
	return sb.String(), nil
}

func structTable(v reflect.Value) (string, error) {
	cols := columnNames(v.Type())
	vals := columnValues(v, cols)

	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	for i, c := range cols {
		fmt.Fprintf(w, "%s\t%s\n", c, vals[i])
	}
	w.Flush()
	return sb.String(), nil
}

func mapTable(v reflect.Value) (string, error) {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	for _, k := range v.MapKeys() {
		fmt.Fprintf(w, "%v\t%s\n", k.Interface(), cellValue(v.MapIndex(k)))
	}
	w.Flush()
	return sb.String(), nil
}

// columnNames returns the json tag (or field name) per exported field,
// skipping fields tagged "-".
func columnNames(t reflect.Type) []string {
	var cols []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		name := f.Tag.Get("json")
		if idx := strings.Index(name, ","); idx != -1 {
			name = name[:idx]
		}
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		cols = append(cols, name)
	}
	return cols
}

func columnValues(v reflect.Value, cols []string) []string {
	t := v.Type()
	byName := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := f.Tag.Get("json")
		if idx := strings.Index(name, ","); idx != -1 {
			name = name[:idx]
		}
		if name == "" || name == "-" {
			name = f.Name
		}
		byName[name] = i
	}

	vals := make([]string, len(cols))
	for i, c := range cols {
		if idx, ok := byName[c]; ok {
			vals[i] = cellValue(v.Field(idx))
		}
	}
	return vals
}

func cellValue(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}

	switch val := v.Interface().(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return fmt.Sprintf("%t", val)
	case float32, float64:
		return fmt.Sprintf("%.2f", val)
	case fmt.Stringer:
		return val.String()
	default:
		switch v.Kind() {
		case reflect.Slice, reflect.Map, reflect.Struct:
			b, err := json.Marshal(val)
			if err != nil {
				return fmt.Sprintf("%v", val)
			}
			return string(b)
		}
		return fmt.Sprintf("%v", val)
	}
}

func upper(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = strings.ToUpper(c)
	}
	return out
}

func PrintOutput(data any, opts *OutputOptions) error {
	if opts.Quiet {
		return nil
	}
	out, err := FormatOutput(data, opts.Format)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	fmt.Fprint(opts.Writer, out)
	return nil
}

func PrintError(err error, opts *OutputOptions) {
	switch opts.Format {
	case OutputJSON:
		b, _ := json.MarshalIndent(map[string]any{
			"success": false,
			"error":   map[string]string{"message": err.Error()},
		}, "", "  ")
		fmt.Fprintln(os.Stderr, string(b))
	case OutputYAML:
		b, _ := yaml.Marshal(map[string]any{
			"success": false,
			"error":   map[string]string{"message": err.Error()},
		})
		fmt.Fprint(os.Stderr, string(b))
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}

func PrintSuccess(message string, opts *OutputOptions) {
	if opts.Quiet {
		return
	}
	switch opts.Format {
	case OutputJSON:
		b, _ := json.MarshalIndent(map[string]any{
			"success": true,
			"message": message,
		}, "", "  ")
		fmt.Fprintln(opts.Writer, string(b))
	case OutputYAML:
		b, _ := yaml.Marshal(map[string]any{
			"success": true,
			"message": message,
		})
		fmt.Fprint(opts.Writer, string(b))
	default:
		fmt.Fprintln(opts.Writer, message)
	}
}
