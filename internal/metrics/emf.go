// Package metrics emits CloudWatch Embedded Metrics Format (EMF) documents.
// Each flush is one JSON line on the emitter's writer (stdout in Lambda),
// from which CloudWatch extracts the metrics without any API call.
//
// See: https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/CloudWatch_Embedded_Metric_Format_Specification.html
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// Standard CloudWatch metric units.
const (
	UnitMilliseconds = "Milliseconds"
	UnitCount        = "Count"
	UnitBytes        = "Bytes"
	UnitNone         = "None"
)

// Namespace is the CloudWatch namespace for the intake pipeline.
const Namespace = "PhotoIntake"

type metricDef struct {
	Name string `json:"Name"`
	Unit string `json:"Unit"`
}

type emfDirective struct {
	Timestamp         int64      `json:"Timestamp"`
	CloudWatchMetrics []cwMetric `json:"CloudWatchMetrics"`
}

type cwMetric struct {
	Namespace  string      `json:"Namespace"`
	Dimensions [][]string  `json:"Dimensions"`
	Metrics    []metricDef `json:"Metrics"`
}

// Emitter owns the output stream and the dimensions shared by every
// document. It is safe for concurrent use; flushes are serialised so lines
// never interleave.
type Emitter struct {
	namespace string
	out       io.Writer
	base      map[string]string
	now       func() time.Time
	mu        sync.Mutex
}

// NewEmitter creates an Emitter writing to out. A nil out discards
// everything. The FunctionName dimension is taken from the Lambda
// environment when present.
func NewEmitter(namespace string, out io.Writer) *Emitter {
	e := &Emitter{
		namespace: namespace,
		out:       out,
		base:      make(map[string]string),
		now:       time.Now,
	}
	if fn := os.Getenv("AWS_LAMBDA_FUNCTION_NAME"); fn != "" {
		e.base["FunctionName"] = fn
	}
	return e
}

// Discard returns an Emitter that drops every document.
func Discard() *Emitter { return NewEmitter(Namespace, nil) }

// New starts a Recorder for one operation.
func (e *Emitter) New() *Recorder {
	r := &Recorder{
		emitter:    e,
		dimensions: make(map[string]string, len(e.base)+2),
		metrics:    make(map[string]metricDef),
		values:     make(map[string]any),
		properties: make(map[string]any),
	}
	for k, v := range e.base {
		r.dimensions[k] = v
	}
	return r
}

// Recorder accumulates one EMF document. It is not safe for concurrent
// use; create one per operation.
type Recorder struct {
	emitter    *Emitter
	dimensions map[string]string
	metrics    map[string]metricDef
	values     map[string]any
	properties map[string]any
}

// Dimension adds an indexed dimension.
func (r *Recorder) Dimension(key, value string) *Recorder {
	r.dimensions[key] = value
	return r
}

// Metric records a named value with a CloudWatch unit.
func (r *Recorder) Metric(name string, value float64, unit string) *Recorder {
	r.metrics[name] = metricDef{Name: name, Unit: unit}
	r.values[name] = value
	return r
}

// Count records a count metric of 1.
func (r *Recorder) Count(name string) *Recorder {
	return r.Metric(name, 1, UnitCount)
}

// Duration records d as a millisecond metric.
func (r *Recorder) Duration(name string, d time.Duration) *Recorder {
	return r.Metric(name, float64(d.Milliseconds()), UnitMilliseconds)
}

// Property adds a searchable field that does not become a metric.
func (r *Recorder) Property(key string, value any) *Recorder {
	r.properties[key] = value
	return r
}

// Flush writes the document as a single line. A Recorder with no metrics
// writes nothing. The Recorder must not be reused afterwards.
func (r *Recorder) Flush() {
	e := r.emitter
	if len(r.metrics) == 0 || e == nil || e.out == nil {
		return
	}

	metricDefs := make([]metricDef, 0, len(r.metrics))
	for _, m := range r.metrics {
		metricDefs = append(metricDefs, m)
	}
	sort.Slice(metricDefs, func(i, j int) bool { return metricDefs[i].Name < metricDefs[j].Name })

	dimKeys := make([]string, 0, len(r.dimensions))
	for k := range r.dimensions {
		dimKeys = append(dimKeys, k)
	}
	sort.Strings(dimKeys)

	doc := make(map[string]any, len(r.dimensions)+len(r.values)+len(r.properties)+1)
	doc["_aws"] = emfDirective{
		Timestamp: e.now().UnixMilli(),
		CloudWatchMetrics: []cwMetric{{
			Namespace:  e.namespace,
			Dimensions: [][]string{dimKeys},
			Metrics:    metricDefs,
		}},
	}
	for k, v := range r.properties {
		doc[k] = v
	}
	for k, v := range r.dimensions {
		doc[k] = v
	}
	for k, v := range r.values {
		doc[k] = v
	}

	data, err := json.Marshal(doc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emf: failed to marshal metrics: %v\n", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.out.Write(append(data, '\n'))
}
