// Package dataset reads Monte-Carlo sampling data files. A file is a JSON or
// YAML document holding the input samples, the model output and, for random
// fields, their discretised eigenbasis.
package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	apperrors "github.com/copyleftdev/bmfmc/internal/errors"
	"github.com/copyleftdev/bmfmc/internal/uq/dimred"
)

const component = "dataset"

// Parameter types in an input description.
const (
	RandomVariable = "random_variable"
	RandomField    = "random_field"
)

// Parameter describes one uncertain input.
type Parameter struct {
	Name      string `json:"name" yaml:"name"`
	Dimension int    `json:"dimension" yaml:"dimension"`
	Type      string `json:"type" yaml:"type"`
}

// Document is the content of a sampling data file.
type Document struct {
	InputData        [][]float64            `json:"input_data" yaml:"input_data"`
	Output           [][]float64            `json:"output" yaml:"output"`
	InputDescription []Parameter            `json:"input_description,omitempty" yaml:"input_description,omitempty"`
	Eigenfunc        map[string][][]float64 `json:"eigenfunc,omitempty" yaml:"eigenfunc,omitempty"`
	Eigenvalue       map[string][]float64   `json:"eigenvalue,omitempty" yaml:"eigenvalue,omitempty"`
	Coordinates      [][]float64            `json:"coordinates,omitempty" yaml:"coordinates,omitempty"`
}

// Iterator reads one data file and caches its content.
type Iterator struct {
	path string

	mu  sync.Mutex
	doc *Document
}

// NewIterator returns an iterator over the file at path. The file is read
// lazily by Read.
func NewIterator(path string) *Iterator {
	return &Iterator{path: path}
}

// Path returns the file path.
func (it *Iterator) Path() string { return it.path }

// Read returns the parsed document. The first successful read is cached.
// A missing file yields a data error wrapping fs.ErrNotExist.
func (it *Iterator) Read() (*Document, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.doc != nil {
		return it.doc, nil
	}

	raw, err := os.ReadFile(it.path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.KindData, "reading sampling data %s", it.path).
			WithComponent(component).WithOperation("Read")
	}
	doc, err := Decode(raw, filepath.Ext(it.path))
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.KindData, "decoding sampling data %s", it.path).
			WithComponent(component).WithOperation("Read")
	}
	it.doc = doc
	return doc, nil
}

// Decode parses raw according to the file extension ext.
func Decode(raw []byte, ext string) (*Document, error) {
	var doc Document
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file extension %q", ext)
	}
	if len(doc.InputData) == 0 {
		return nil, fmt.Errorf("input_data is empty")
	}
	if len(doc.Output) != len(doc.InputData) {
		return nil, fmt.Errorf("output has %d rows but input_data has %d", len(doc.Output), len(doc.InputData))
	}
	return &doc, nil
}

// Encode writes doc in the format selected by ext.
func Encode(doc *Document, ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".json":
		return json.MarshalIndent(doc, "", "  ")
	case ".yaml", ".yml":
		return yaml.Marshal(doc)
	}
	return nil, fmt.Errorf("unsupported file extension %q", ext)
}

// Matrix converts rows into a dense matrix. All rows must have equal length.
func Matrix(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("matrix must not be empty")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(r), cols)
		}
		data = append(data, r...)
	}
	return mat.NewDense(len(rows), cols, data), nil
}

// Input returns the input samples as an N × d matrix.
func (d *Document) Input() (*mat.Dense, error) {
	m, err := Matrix(d.InputData)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindData, "input_data").WithComponent(component)
	}
	return m, nil
}

// OutputColumn returns column j of the output.
func (d *Document) OutputColumn(j int) ([]float64, error) {
	out := make([]float64, len(d.Output))
	for i, row := range d.Output {
		if j >= len(row) {
			return nil, apperrors.Data(component, "OutputColumn", "output row %d has no column %d", i, j)
		}
		out[i] = row[j]
	}
	return out, nil
}

// CoordinateMatrix returns the coordinates, or nil when the file has none.
func (d *Document) CoordinateMatrix() (*mat.Dense, error) {
	if len(d.Coordinates) == 0 {
		return nil, nil
	}
	m, err := Matrix(d.Coordinates)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindData, "coordinates").WithComponent(component)
	}
	return m, nil
}

// RandomFields builds the random-field descriptors of the input description.
// Scalar random variables occupy the leading columns of the input, followed
// by the random fields in description order.
func (d *Document) RandomFields() ([]dimred.RandomField, error) {
	const op = "RandomFields"
	offset := 0
	for _, p := range d.InputDescription {
		if p.Type != RandomField {
			offset += max(p.Dimension, 1)
		}
	}

	var fields []dimred.RandomField
	for _, p := range d.InputDescription {
		switch p.Type {
		case RandomField:
		case RandomVariable, "":
			continue
		default:
			return nil, apperrors.Data(component, op, "parameter %q has unknown type %q", p.Name, p.Type)
		}
		rows, ok := d.Eigenfunc[p.Name]
		if !ok {
			return nil, apperrors.Data(component, op, "no eigenfunctions for random field %q", p.Name)
		}
		basis, err := Matrix(rows)
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.KindData, "eigenfunctions of %q", p.Name).WithComponent(component).WithOperation(op)
		}
		eigenvalues, ok := d.Eigenvalue[p.Name]
		if !ok {
			return nil, apperrors.Data(component, op, "no eigenvalues for random field %q", p.Name)
		}
		fields = append(fields, dimred.RandomField{
			Name:        p.Name,
			Offset:      offset,
			Dimension:   p.Dimension,
			Basis:       basis,
			Eigenvalues: eigenvalues,
		})
		offset += p.Dimension
	}
	return fields, nil
}
