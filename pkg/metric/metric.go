// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gvisor.dev/shadowmmu/pkg/atomicbitops"
	"gvisor.dev/shadowmmu/pkg/log"
	"gvisor.dev/shadowmmu/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name        string
	description string

	// fields is the map of field-value combination index keys to Uint64 counters.
	fields []atomicbitops.Uint64

	// fieldMapper is used to generate index keys for the fields array (above)
	// based on field value combinations, and vice-versa.
	fieldMapper fieldMapper
}

// metricSet holds all registered metrics, keyed by name.
type metricSet struct {
	mu sync.Mutex

	// +checklocks:mu
	uint64Metrics map[string]*Uint64Metric
}

// allMetrics are the registered metrics.
var allMetrics = metricSet{uint64Metrics: make(map[string]*Uint64Metric)}

// Field is a dimension of a metric with a fixed set of values.
type Field struct {
	name          string
	allowedValues []string
}

// NewField returns a field called name taking one of allowedValues.
func NewField(name string, allowedValues ...string) Field {
	return Field{name: name, allowedValues: allowedValues}
}

// fieldMapper numbers combinations of field values in mixed radix, the
// first field being the most significant digit.
type fieldMapper struct {
	fields []Field

	// index maps each field's values to their digit.
	index []map[string]int

	// stride is the weight of each field's digit.
	stride []int

	// numFieldCombinations is the number of distinct keys.
	numFieldCombinations int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	m := fieldMapper{
		fields:               fields,
		index:                make([]map[string]int, len(fields)),
		stride:               make([]int, len(fields)),
		numFieldCombinations: 1,
	}
	for i := len(fields) - 1; i >= 0; i-- {
		f := fields[i]
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		m.stride[i] = m.numFieldCombinations
		m.numFieldCombinations *= len(f.allowedValues)
		if m.numFieldCombinations > math.MaxUint32 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
		m.index[i] = make(map[string]int, len(f.allowedValues))
		for d, v := range f.allowedValues {
			m.index[i][v] = d
		}
	}
	return m, nil
}

// lookup returns the key of a combination. It panics if values does not
// hold one allowed value per field.
func (m *fieldMapper) lookup(values ...string) int {
	if len(values) != len(m.fields) {
		panic(fmt.Sprintf("got %d field values, want %d", len(values), len(m.fields)))
	}
	key := 0
	for i, v := range values {
		d, ok := m.index[i][v]
		if !ok {
			panic(fmt.Sprintf("disallowed value %q for field %q", v, m.fields[i].name))
		}
		key += d * m.stride[i]
	}
	return key
}

// keyToMultiField returns the combination numbered key.
func (m *fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	values := make([]string, len(m.fields))
	for i, f := range m.fields {
		values[i] = f.allowedValues[key/m.stride[i]]
		key %= m.stride[i]
	}
	return values
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.uint64Metrics[name]; ok {
		return nil, ErrNameInUse
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		fields:      make([]atomicbitops.Uint64, f.numFieldCombinations),
		fieldMapper: f,
	}
	allMetrics.uint64Metrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// sample is one field combination of a metric at snapshot time.
type sample struct {
	labels []string
	value  uint64
}

// snapshot returns the non-zero samples of m, plus a zero sample for metrics
// without fields so that they are always exported.
func (m *Uint64Metric) snapshot() []sample {
	var out []sample
	for key := range m.fields {
		v := m.fields[key].Load()
		if v == 0 && len(m.fieldMapper.fields) > 0 {
			continue
		}
		out = append(out, sample{labels: m.fieldMapper.keyToMultiField(key), value: v})
	}
	return out
}

// registered returns all registered metrics sorted by name.
func registered() []*Uint64Metric {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	ms := make([]*Uint64Metric, 0, len(allMetrics.uint64Metrics))
	for _, m := range allMetrics.uint64Metrics {
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	return ms
}

// Values returns the current values of all registered metrics, keyed by
// metric name and then by comma-joined field values.
func Values() map[string]map[string]uint64 {
	out := make(map[string]map[string]uint64)
	for _, m := range registered() {
		vals := make(map[string]uint64)
		for _, s := range m.snapshot() {
			vals[joinLabels(s.labels)] = s.value
		}
		out[m.name] = vals
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("metric snapshot of %d metrics", len(out))
	}
	return out
}

func joinLabels(labels []string) string {
	return strings.Join(labels, ",")
}
