package filters

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fogleman/gg"

	"skywatch/internal/config"
	"skywatch/internal/encode"
	"skywatch/internal/frame"
)

// Pipeline applies the configured filter chain to a stack result and encodes
// the output. A single Pipeline is shared by the inline path and the
// background worker; it holds the filter registry and the per-filter metrics.
type Pipeline struct {
	registry map[string]Filter
	metrics  *Metrics
	log      *slog.Logger
}

// NewPipeline registers the given filters. Order of registration does not
// matter; execution order comes from the configuration's filter list.
func NewPipeline(log *slog.Logger, fs ...Filter) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		registry: make(map[string]Filter, len(fs)),
		metrics:  NewMetrics(),
		log:      log,
	}
	for _, f := range fs {
		p.registry[f.Name()] = f
	}
	return p
}

// Metrics returns the pipeline's per-filter aggregate.
func (p *Pipeline) Metrics() *Metrics { return p.metrics }

// Process runs the configured filters over the stack result and encodes the
// outcome. The stack result's frame context is disposed here exactly once,
// whether the filters succeed or not; this is the designated release point
// for the normal flow. A failing filter is recorded and skipped, never
// aborting the chain.
func (p *Pipeline) Process(res *frame.StackResult, cfg config.CameraConfiguration) (*frame.ProcessedFrame, error) {
	if res == nil || res.StackedImage == nil {
		return nil, fmt.Errorf("filters: nil stack result")
	}
	defer res.Context.Release()

	rc := buildRenderContext(res, cfg)
	dc := gg.NewContextForRGBA(res.StackedImage)

	var applied []string
	for _, name := range cfg.Filters {
		f, ok := p.registry[name]
		if !ok {
			p.log.Debug("unknown filter in configuration", "filter", name)
			continue
		}
		if !f.ShouldApply(cfg) {
			continue
		}

		start := time.Now()
		err := f.Apply(dc, rc)
		elapsed := time.Since(start)
		p.metrics.Record(name, elapsed, err != nil)
		if err != nil {
			p.log.Warn("filter failed", "filter", name, "error", err)
			continue
		}
		applied = append(applied, name)
	}

	enc := encode.ForTool(cfg.Encoding.Tool)
	data, format, err := enc.Encode(res.StackedImage, cfg.Encoding)
	if err != nil {
		return nil, fmt.Errorf("finalize frame: %w", err)
	}

	return &frame.ProcessedFrame{
		Data:           data,
		Format:         format,
		Timestamp:      res.Timestamp,
		Exposure:       res.Exposure,
		FiltersApplied: applied,
		FramesStacked:  res.FramesStacked,
		Integration:    res.Integration,
	}, nil
}
