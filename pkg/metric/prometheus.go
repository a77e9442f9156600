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
	"fmt"
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// ExporterPrefix is prepended to every exported metric name.
const ExporterPrefix = "smmu_"

// PrometheusName converts a metric name of the form "/shadow/faults" into a
// Prometheus-compliant name such as "smmu_shadow_faults".
func PrometheusName(name string) string {
	name = strings.TrimPrefix(name, "/")
	return ExporterPrefix + strings.NewReplacer("/", "_", "-", "_", ".", "_").Replace(name)
}

// metricFamily builds the Prometheus representation of m.
func (m *Uint64Metric) metricFamily() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: proto.String(PrometheusName(m.name)),
		Help: proto.String(m.description),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, s := range m.snapshot() {
		dm := &dto.Metric{
			Counter: &dto.Counter{Value: proto.Float64(float64(s.value))},
		}
		for i, v := range s.labels {
			dm.Label = append(dm.Label, &dto.LabelPair{
				Name:  proto.String(m.fieldMapper.fields[i].name),
				Value: proto.String(v),
			})
		}
		mf.Metric = append(mf.Metric, dm)
	}
	return mf
}

// WritePrometheus writes all registered metrics to w in the Prometheus text
// exposition format. It returns the number of bytes written.
func WritePrometheus(w io.Writer) (int, error) {
	total := 0
	for _, m := range registered() {
		mf := m.metricFamily()
		if len(mf.Metric) == 0 {
			continue
		}
		n, err := expfmt.MetricFamilyToText(w, mf)
		total += n
		if err != nil {
			return total, fmt.Errorf("writing metric %q: %w", m.name, err)
		}
	}
	return total, nil
}
