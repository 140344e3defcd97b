package qa

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/astrogo/fitsio"

	"fitsqa/internal/fitsimg"
)

var (
	// ErrFieldNotFound is returned when a requested header field is absent.
	ErrFieldNotFound = errors.New("field not found in the header")
	// ErrUncheckableField is returned when an expected field cannot be type-checked
	// because the header does not carry it.
	ErrUncheckableField = errors.New("header field cannot be checked")
	// ErrUnknownFieldType is returned for type names outside str|int|float|bool|complex.
	ErrUnknownFieldType = errors.New("unknown field type")
)

// FieldType names the value kinds a header card can hold.
type FieldType string

const (
	TypeString  FieldType = "str"
	TypeInt     FieldType = "int"
	TypeFloat   FieldType = "float"
	TypeBool    FieldType = "bool"
	TypeComplex FieldType = "complex"
)

// ParseFieldType accepts the canonical names plus a few common aliases.
func ParseFieldType(s string) (FieldType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "str", "string":
		return TypeString, nil
	case "int", "integer":
		return TypeInt, nil
	case "float", "double", "real":
		return TypeFloat, nil
	case "bool", "boolean", "logical":
		return TypeBool, nil
	case "complex":
		return TypeComplex, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFieldType, s)
}

// ParseFieldTypes converts a name->type-name map, as found in config files.
func ParseFieldTypes(m map[string]string) (map[string]FieldType, error) {
	out := make(map[string]FieldType, len(m))
	for k, v := range m {
		ft, err := ParseFieldType(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[strings.ToUpper(k)] = ft
	}
	return out, nil
}

// TypeOf reports the field type of a header value. Types are strict:
// an integer is not a float.
func TypeOf(v any) FieldType {
	switch v.(type) {
	case string:
		return TypeString
	case bool:
		return TypeBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInt
	case float32, float64:
		return TypeFloat
	case complex64, complex128:
		return TypeComplex
	}
	return ""
}

// HeaderQA validates the metadata header of an image.
type HeaderQA struct {
	hdr            *fitsimg.Header
	log            *slog.Logger
	expectedFields []string
	expectedTypes  map[string]FieldType
}

// HeaderOption configures a HeaderQA.
type HeaderOption func(*HeaderQA)

// WithExpectedFields sets the fields CheckFieldsPresent looks for by default.
func WithExpectedFields(fields ...string) HeaderOption {
	return func(q *HeaderQA) {
		q.expectedFields = normalizeFields(fields)
	}
}

// WithExpectedTypes sets the types CheckFieldTypes enforces by default.
func WithExpectedTypes(types map[string]FieldType) HeaderOption {
	return func(q *HeaderQA) {
		q.expectedTypes = make(map[string]FieldType, len(types))
		for k, v := range types {
			q.expectedTypes[strings.ToUpper(k)] = v
		}
	}
}

// NewHeaderQA wraps an already parsed header.
func NewHeaderQA(hdr *fitsimg.Header, logger *slog.Logger, opts ...HeaderOption) *HeaderQA {
	if hdr == nil {
		hdr = fitsimg.NewHeader()
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &HeaderQA{hdr: hdr, log: logger}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// HeaderQAFromPath reads the primary header of a FITS file.
func HeaderQAFromPath(path string, logger *slog.Logger, opts ...HeaderOption) (*HeaderQA, error) {
	hdr, err := fitsimg.ReadHeader(path)
	if err != nil {
		return nil, err
	}
	return NewHeaderQA(hdr, logger, opts...), nil
}

// HeaderQAFromFile uses the header of the first HDU of an opened file.
func HeaderQAFromFile(f *fitsio.File, logger *slog.Logger, opts ...HeaderOption) (*HeaderQA, error) {
	hdr, err := fitsimg.HeaderFromFile(f)
	if err != nil {
		return nil, err
	}
	return NewHeaderQA(hdr, logger, opts...), nil
}

// Header returns the wrapped header.
func (q *HeaderQA) Header() *fitsimg.Header { return q.hdr }

// FetchField returns the value stored under name.
func (q *HeaderQA) FetchField(name string) (any, error) {
	v, ok := q.hdr.Get(name)
	if !ok {
		q.log.Error("Field not found in the header", "field", name)
		return nil, fmt.Errorf("%w: %s", ErrFieldNotFound, name)
	}
	return v, nil
}

// CheckFieldsPresent reports whether every expected field is present and
// which ones are missing, sorted. With no arguments the configured
// expected fields are used.
func (q *HeaderQA) CheckFieldsPresent(expected ...string) (bool, []string) {
	fields := q.expectedFields
	if len(expected) > 0 {
		fields = normalizeFields(expected)
	}
	var missing []string
	for _, f := range fields {
		if !q.hdr.Has(f) {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return len(missing) == 0, missing
}

// TypeCheckOptions tunes CheckFieldTypes.
type TypeCheckOptions struct {
	// SuppressUnknown skips expected fields the header does not carry
	// instead of failing with ErrUncheckableField.
	SuppressUnknown bool
	// Verbose logs a warning for every uncheckable or mistyped field.
	Verbose bool
}

// CheckFieldTypes compares the type of each expected field with the header.
// It returns whether all checked fields have the expected type and the
// sorted list of those that do not. A nil map uses the configured types.
func (q *HeaderQA) CheckFieldTypes(expected map[string]FieldType, opts TypeCheckOptions) (bool, []string, error) {
	if expected == nil {
		expected = q.expectedTypes
	}
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var incorrect, unknown []string
	for _, k := range keys {
		want, err := ParseFieldType(string(expected[k]))
		if err != nil {
			return false, nil, fmt.Errorf("%s: %w", k, err)
		}
		v, ok := q.hdr.Get(k)
		if !ok {
			unknown = append(unknown, strings.ToUpper(k))
			if opts.Verbose {
				q.log.Warn("Header field cannot be checked", "field", k, "expected", want)
			}
			continue
		}
		if got := TypeOf(v); got != want {
			incorrect = append(incorrect, strings.ToUpper(k))
			if opts.Verbose {
				q.log.Warn("Header field has unexpected type", "field", k, "expected", want, "actual", got)
			}
		}
	}

	if len(unknown) > 0 && !opts.SuppressUnknown {
		return false, incorrect, fmt.Errorf("%w: %s", ErrUncheckableField, strings.Join(unknown, ", "))
	}
	return len(incorrect) == 0, incorrect, nil
}

// HeaderReport is the combined outcome of the presence and type checks.
type HeaderReport struct {
	FieldsValid bool     `json:"fields_valid"`
	Missing     []string `json:"missing,omitempty"`
	TypesValid  bool     `json:"types_valid"`
	Incorrect   []string `json:"incorrect,omitempty"`
}

// Valid reports whether both checks passed.
func (r HeaderReport) Valid() bool { return r.FieldsValid && r.TypesValid }

// Check runs both checks with the configured expectations. Fields missing
// from the header are already reported by the presence check, so the type
// check always suppresses them.
func (q *HeaderQA) Check(verbose bool) (HeaderReport, error) {
	var rep HeaderReport
	rep.FieldsValid, rep.Missing = q.CheckFieldsPresent()
	var err error
	rep.TypesValid, rep.Incorrect, err = q.CheckFieldTypes(nil, TypeCheckOptions{SuppressUnknown: true, Verbose: verbose})
	return rep, err
}

func normalizeFields(fields []string) []string {
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToUpper(strings.TrimSpace(f))
		if _, ok := seen[f]; ok || f == "" {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
