package hic

import (
	"fmt"
	"strconv"
	"strings"
)

// Resolution is a genomic bin size in base pairs. The textual form is kept
// exactly as configured because it is part of every artifact path.
type Resolution string

// Chromosome is a chromosome label such as "1" or "X".
type Chromosome string

// DataType is a contact-matrix flavour label such as "oe" or "observed".
type DataType string

// ParseResolution validates a resolution label. It must be a positive integer.
func ParseResolution(s string) (Resolution, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return "", fmt.Errorf("%w: resolution %q must be a positive integer", ErrInvalidLabel, s)
	}
	return Resolution(s), nil
}

// BinSize returns the resolution in base pairs.
func (r Resolution) BinSize() int {
	n, _ := strconv.Atoi(string(r))
	return n
}

// ParseChromosome validates a chromosome label.
func ParseChromosome(s string) (Chromosome, error) {
	s = strings.TrimSpace(s)
	if err := validateLabel("chromosome", s); err != nil {
		return "", err
	}
	return Chromosome(s), nil
}

// ParseDataType validates a data type label.
func ParseDataType(s string) (DataType, error) {
	s = strings.TrimSpace(s)
	if err := validateLabel("data type", s); err != nil {
		return "", err
	}
	return DataType(s), nil
}

// validateLabel rejects labels that would break the path convention.
func validateLabel(kind, s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidLabel, kind)
	}
	if strings.ContainsAny(s, "/\\ \t\n") {
		return fmt.Errorf("%w: %s %q contains a path separator or whitespace", ErrInvalidLabel, kind, s)
	}
	return nil
}

// Key identifies one unit of work and every artifact derived from it.
type Key struct {
	Resolution Resolution `json:"resolution"`
	Chromosome Chromosome `json:"chromosome"`
	DataType   DataType   `json:"dataType"`
}

func (k Key) String() string {
	return fmt.Sprintf("ch%s/res%s/%s", k.Chromosome, k.Resolution, k.DataType)
}

// Batch is the configured cross product of resolutions, chromosomes and data types.
type Batch struct {
	Resolutions []Resolution `json:"resolutions"`
	Chromosomes []Chromosome `json:"chromosomes"`
	DataTypes   []DataType   `json:"dataTypes"`
}

// NewBatch parses raw labels into a validated batch. Duplicate labels are
// dropped, keeping the first occurrence.
func NewBatch(resolutions, chromosomes, dataTypes []string) (Batch, error) {
	var b Batch
	seen := make(map[string]bool)

	for _, s := range resolutions {
		r, err := ParseResolution(s)
		if err != nil {
			return Batch{}, err
		}
		if !seen["r"+string(r)] {
			seen["r"+string(r)] = true
			b.Resolutions = append(b.Resolutions, r)
		}
	}
	for _, s := range chromosomes {
		c, err := ParseChromosome(s)
		if err != nil {
			return Batch{}, err
		}
		if !seen["c"+string(c)] {
			seen["c"+string(c)] = true
			b.Chromosomes = append(b.Chromosomes, c)
		}
	}
	for _, s := range dataTypes {
		d, err := ParseDataType(s)
		if err != nil {
			return Batch{}, err
		}
		if !seen["d"+string(d)] {
			seen["d"+string(d)] = true
			b.DataTypes = append(b.DataTypes, d)
		}
	}

	if err := b.Validate(); err != nil {
		return Batch{}, err
	}
	return b, nil
}

// Validate rejects a batch whose cross product is empty.
func (b Batch) Validate() error {
	switch {
	case len(b.Resolutions) == 0:
		return fmt.Errorf("%w: no resolutions", ErrEmptyBatch)
	case len(b.Chromosomes) == 0:
		return fmt.Errorf("%w: no chromosomes", ErrEmptyBatch)
	case len(b.DataTypes) == 0:
		return fmt.Errorf("%w: no data types", ErrEmptyBatch)
	}
	return nil
}

// Size returns the number of keys in the cross product.
func (b Batch) Size() int {
	return len(b.Resolutions) * len(b.Chromosomes) * len(b.DataTypes)
}

// Keys returns the cross product ordered resolution, then chromosome, then data type.
func (b Batch) Keys() []Key {
	keys := make([]Key, 0, b.Size())
	for _, r := range b.Resolutions {
		for _, c := range b.Chromosomes {
			for _, d := range b.DataTypes {
				keys = append(keys, Key{Resolution: r, Chromosome: c, DataType: d})
			}
		}
	}
	return keys
}
