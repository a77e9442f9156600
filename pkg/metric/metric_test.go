// Copyright 2023 The gVisor Authors.
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

package metric

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
)

var (
	testCounter = MustCreateNewUint64Metric("/test/counter", "A counter without fields.")
	testFaults  = MustCreateNewUint64Metric("/test/faults", "Faults by outcome.",
		NewField("outcome", "fixed", "guest", "retry"),
		NewField("mode", "long", "pae"))
)

func TestFieldMapperRoundTrip(t *testing.T) {
	m, err := newFieldMapper(NewField("a", "x", "y"), NewField("b", "1", "2", "3"))
	if err != nil {
		t.Fatalf("newFieldMapper: %v", err)
	}
	seen := make(map[int]bool)
	for _, a := range []string{"x", "y"} {
		for _, b := range []string{"1", "2", "3"} {
			key := m.lookup(a, b)
			if seen[key] {
				t.Errorf("duplicate key %d for (%s, %s)", key, a, b)
			}
			seen[key] = true
			if diff := cmp.Diff([]string{a, b}, m.keyToMultiField(key)); diff != "" {
				t.Errorf("keyToMultiField(%d) mismatch (-want +got):\n%s", key, diff)
			}
		}
	}
}

func TestEmptyFieldRejected(t *testing.T) {
	if _, err := NewUint64Metric("/test/empty", "", NewField("f")); err != ErrFieldHasNoAllowedValues {
		t.Errorf("got err %v, want %v", err, ErrFieldHasNoAllowedValues)
	}
}

func TestDuplicateName(t *testing.T) {
	if _, err := NewUint64Metric("/test/counter", ""); err != ErrNameInUse {
		t.Errorf("got err %v, want %v", err, ErrNameInUse)
	}
}

func TestIncrement(t *testing.T) {
	before := testFaults.Value("guest", "pae")
	testFaults.Increment("guest", "pae")
	testFaults.IncrementBy(2, "guest", "pae")
	if got, want := testFaults.Value("guest", "pae"), before+3; got != want {
		t.Errorf("Value = %d, want %d", got, want)
	}
}

func TestWritePrometheus(t *testing.T) {
	testCounter.Increment()
	testFaults.Increment("fixed", "long")

	var buf bytes.Buffer
	if _, err := WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	families, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("parsing exported metrics: %v\n%s", err, buf.String())
	}

	counter, ok := families["smmu_test_counter"]
	if !ok {
		t.Fatalf("smmu_test_counter missing from %v", families)
	}
	if got := counter.GetMetric()[0].GetCounter().GetValue(); got < 1 {
		t.Errorf("smmu_test_counter = %v, want >= 1", got)
	}

	faults, ok := families["smmu_test_faults"]
	if !ok {
		t.Fatalf("smmu_test_faults missing")
	}
	found := false
	for _, m := range faults.GetMetric() {
		labels := make(map[string]string)
		for _, l := range m.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		if labels["outcome"] == "fixed" && labels["mode"] == "long" {
			found = true
			if m.GetCounter().GetValue() < 1 {
				t.Errorf("fixed/long = %v, want >= 1", m.GetCounter().GetValue())
			}
		}
	}
	if !found {
		t.Errorf("no sample for outcome=fixed,mode=long in %v", faults)
	}
}
