package cell

import (
	"context"
	"fmt"
	"math"

	internal "github.com/ZanzyTHEbar/histdb/histdb"
	"github.com/ZanzyTHEbar/histdb/histdb/entity"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// PointInput is the full history of one point.
type PointInput struct {
	Versions []entity.Version
}

// LineInput is the full history of one line. Member points added to the
// same builder are embedded.
type LineInput struct {
	Versions []entity.Version
}

// CompositeInput is the full history of one composite. Member points and
// lines added to the same builder are embedded.
type CompositeInput struct {
	Versions []entity.Version
}

// Builder assembles one cell from element histories. Points are built
// first, then lines, then composites, so every embeddable child exists
// before its parents are encoded.
type Builder struct {
	key        Key
	workers    int
	logger     zerolog.Logger
	points     []PointInput
	lines      []LineInput
	composites []CompositeInput
	seen       *Membership
	err        error
}

type Option func(*Builder)

// WithWorkers bounds the number of concurrent element builds.
func WithWorkers(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.workers = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

func NewBuilder(key Key, opts ...Option) *Builder {
	b := &Builder{
		key:     key,
		workers: internal.DefaultBuildWorkers,
		logger:  internal.GetLogger(),
		seen:    NewMembership(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) track(t entity.Type, versions []entity.Version) {
	if b.err != nil || len(versions) == 0 {
		return
	}
	id := versions[0].ID
	if b.seen.Contains(t, id) {
		b.err = fmt.Errorf("%w: %s %d", ErrDuplicateElement, t, id)
		return
	}
	b.seen.Add(t, id)
}

func (b *Builder) AddPoint(in PointInput) {
	b.track(entity.Point, in.Versions)
	b.points = append(b.points, in)
}

func (b *Builder) AddLine(in LineInput) {
	b.track(entity.Line, in.Versions)
	b.lines = append(b.lines, in)
}

func (b *Builder) AddComposite(in CompositeInput) {
	b.track(entity.Composite, in.Versions)
	b.composites = append(b.composites, in)
}

// Bases derives the cell bases: the smallest id and timestamp over all
// inputs and the centre of every visible point coordinate.
func (b *Builder) Bases() entity.Bases {
	base := entity.Bases{ID: math.MaxInt64, Timestamp: math.MaxInt64}
	box := entity.InvalidBBox
	visit := func(vs []entity.Version, coords bool) {
		for _, v := range vs {
			base.ID = min(base.ID, v.ID)
			base.Timestamp = min(base.Timestamp, v.Timestamp)
			if coords && v.Visible {
				box = box.Extend(v.Coord)
			}
		}
	}
	for _, in := range b.points {
		visit(in.Versions, true)
	}
	for _, in := range b.lines {
		visit(in.Versions, false)
	}
	for _, in := range b.composites {
		visit(in.Versions, false)
	}
	if base.ID == math.MaxInt64 {
		return entity.Bases{}
	}
	if box.IsValid() {
		base.Lon, base.Lat = box.Center().Lon, box.Center().Lat
	}
	return base
}

// Build encodes every element and returns the cell. The first failing
// element cancels the rest.
func (b *Builder) Build(ctx context.Context) (*Cell, error) {
	if b.err != nil {
		return nil, b.err
	}
	bases := b.Bases()
	log := b.logger.With().Str("cell", b.key.String()).Logger()

	points, err := buildStage(ctx, b.workers, b.points, func(in PointInput) (*entity.Element, error) {
		_, el, err := entity.BuildPoint(in.Versions, bases)
		return el, err
	})
	if err != nil {
		log.Error().Err(err).Str("stage", "points").Msg("cell build failed")
		buildsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	avail := newAvailable(points)

	lines, err := buildStage(ctx, b.workers, b.lines, func(in LineInput) (*entity.Element, error) {
		_, el, err := entity.BuildLine(in.Versions, avail.children(in.Versions), bases)
		return el, err
	})
	if err != nil {
		log.Error().Err(err).Str("stage", "lines").Msg("cell build failed")
		buildsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	avail.add(lines)

	composites, err := buildStage(ctx, b.workers, b.composites, func(in CompositeInput) (*entity.Element, error) {
		_, el, err := entity.BuildComposite(in.Versions, avail.children(in.Versions), bases)
		return el, err
	})
	if err != nil {
		log.Error().Err(err).Str("stage", "composites").Msg("cell build failed")
		buildsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	all := make([]*entity.Element, 0, len(points)+len(lines)+len(composites))
	all = append(append(append(all, points...), lines...), composites...)
	entity.SortElements(all)

	c := &Cell{Key: b.key, Bases: bases, Records: make([][]byte, len(all))}
	size, outside := 0, 0
	bounds := b.key.Bounds()
	for i, el := range all {
		c.Records[i] = el.Record().Data
		size += len(c.Records[i])
		if box := el.BBox(); box.IsValid() && !overlaps(box.Degrees(), bounds) {
			outside++
		}
	}
	if outside > 0 {
		log.Warn().Int("outside", outside).Msg("elements fall outside the cell")
		outsideTotal.Add(float64(outside))
	}
	buildsTotal.WithLabelValues("ok").Inc()
	elementsTotal.WithLabelValues(entity.Point.String()).Add(float64(len(points)))
	elementsTotal.WithLabelValues(entity.Line.String()).Add(float64(len(lines)))
	elementsTotal.WithLabelValues(entity.Composite.String()).Add(float64(len(composites)))
	cellBytes.Observe(float64(size))
	log.Debug().Int("elements", len(all)).Int("bytes", size).Msg("cell built")
	return c, nil
}

// buildStage runs build over inputs on a bounded pool. Results keep input
// order.
func buildStage[In any](ctx context.Context, workers int, inputs []In, build func(In) (*entity.Element, error)) ([]*entity.Element, error) {
	out := make([]*entity.Element, len(inputs))
	p := pool.New().WithMaxGoroutines(workers).WithContext(ctx).WithCancelOnError().WithFirstError()
	for i, in := range inputs {
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			el, err := build(in)
			if err != nil {
				return err
			}
			out[i] = el
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// available indexes the elements already built in this cell.
type available struct {
	members *Membership
	byKey   map[entity.Member]*entity.Element
}

func newAvailable(els []*entity.Element) *available {
	a := &available{members: NewMembership(), byKey: make(map[entity.Member]*entity.Element, len(els))}
	a.add(els)
	return a
}

func (a *available) add(els []*entity.Element) {
	for _, el := range els {
		a.members.Add(el.Type(), el.ID())
		a.byKey[entity.Member{Type: el.Type(), ID: el.ID()}] = el
	}
}

// children collects the built points and lines referenced by any version.
func (a *available) children(versions []entity.Version) []*entity.Element {
	var out []*entity.Element
	picked := make(map[entity.Member]bool)
	for _, v := range versions {
		for _, m := range v.Members {
			if m.Type == entity.Composite || !a.members.Contains(m.Type, m.ID) {
				continue
			}
			k := entity.Member{Type: m.Type, ID: m.ID}
			if picked[k] {
				continue
			}
			picked[k] = true
			out = append(out, a.byKey[k])
		}
	}
	return out
}
