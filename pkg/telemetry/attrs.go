package telemetry

import (
	"fmt"
	"maps"

	"go.opentelemetry.io/otel/attribute"
)

type SpanAttributes struct {
	ActionCategory string

	TargetBinary optional[string] // fuzz.target.binary
	SeedPath     optional[string] // fuzz.seed.path
	Iterations   optional[int]    // fuzz.iterations
	coverageSize optional[int]    // fuzz.coverage.size
	corpusSize   optional[int]    // fuzz.corpus.size

	extraAttributes map[string]any
}

func NewSpanAttributes(actionCategory ActionCategory) *SpanAttributes {
	return &SpanAttributes{
		ActionCategory:  actionCategory.String(),
		extraAttributes: make(map[string]any),
	}
}

// returns an empty SpanAttributes instance with no action category,
// to be populated later.
func EmptySpanAttributes() *SpanAttributes {
	return &SpanAttributes{
		extraAttributes: make(map[string]any),
	}
}

// Merge copies the fields set in other that are not yet set in o.
// ActionCategory is always taken from other when present.
func (o *SpanAttributes) Merge(other *SpanAttributes) {
	if other == nil {
		return
	}

	if other.ActionCategory != "" {
		o.ActionCategory = other.ActionCategory
	}

	mergeOptional(&o.TargetBinary, &other.TargetBinary)
	mergeOptional(&o.SeedPath, &other.SeedPath)
	mergeOptional(&o.Iterations, &other.Iterations)
	mergeOptional(&o.coverageSize, &other.coverageSize)
	mergeOptional(&o.corpusSize, &other.corpusSize)

	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	for k, v := range other.extraAttributes {
		if _, exists := o.extraAttributes[k]; !exists {
			o.extraAttributes[k] = v
		}
	}
}

func (o *SpanAttributes) WithTargetBinary(val string) *SpanAttributes {
	o.TargetBinary.Set(val)
	return o
}

func (o *SpanAttributes) WithSeedPath(val string) *SpanAttributes {
	o.SeedPath.Set(val)
	return o
}

func (o *SpanAttributes) WithIterations(val int) *SpanAttributes {
	o.Iterations.Set(val)
	return o
}

func (o *SpanAttributes) WithCoverageSize(val int) *SpanAttributes {
	o.coverageSize.Set(val)
	return o
}

func (o *SpanAttributes) WithCorpusSize(val int) *SpanAttributes {
	o.corpusSize.Set(val)
	return o
}

func (o *SpanAttributes) WithExtraAttribute(key string, val any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	o.extraAttributes[key] = val
	return o
}

func (o *SpanAttributes) WithExtraAttributes(attrs map[string]any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	maps.Copy(o.extraAttributes, attrs)
	return o
}

func (o SpanAttributes) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	attrs = append(attrs, attribute.String("crs.action.category", o.ActionCategory))
	if o.TargetBinary.set {
		attrs = append(attrs, attribute.String("fuzz.target.binary", o.TargetBinary.val))
	}
	if o.SeedPath.set {
		attrs = append(attrs, attribute.String("fuzz.seed.path", o.SeedPath.val))
	}
	if o.Iterations.set {
		attrs = append(attrs, attribute.Int("fuzz.iterations", o.Iterations.val))
	}
	if o.coverageSize.set {
		attrs = append(attrs, attribute.Int("fuzz.coverage.size", o.coverageSize.val))
	}
	if o.corpusSize.set {
		attrs = append(attrs, attribute.Int("fuzz.corpus.size", o.corpusSize.val))
	}

	for k, v := range o.extraAttributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	return attrs
}

type EventAttributes []attribute.KeyValue

func NewEventAttributes(attributes map[string]string) EventAttributes {
	attrs := make(EventAttributes, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

type optional[T any] struct {
	val T
	set bool
}

func (o *optional[T]) Set(val T) { o.val = val; o.set = true }

func mergeOptional[T any](target, source *optional[T]) {
	if !target.set && source.set {
		target.val = source.val
		target.set = true
	}
}
