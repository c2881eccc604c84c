// Package primshader lowers a vertex-stage IR program into the two-fragment
// primitive-shader form used by NGG-style geometry front ends and emulates
// its subgroup execution on the CPU.
//
// Compilation splits the program into a position-only fetcher and a deferred
// exporter, plans the shared scratch layout, and builds the culling predicate
// chain. The resulting pipeline hands out subgroup emulators wired to
// interpret the fragments per lane:
//
//	pipe, err := primshader.Compile(module, entry, primshader.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sg, err := pipe.NewSubgroup(uint32(len(input.Vertices)))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	out, err := sg.Run(input)
//
// The lower-level packages remain usable on their own: hw for the interface
// word encodings, lds for layout planning, split and interp for the program
// transform, cull for the predicates, and emu for the phase machine.
package primshader

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/naga/ir"

	"github.com/gogpu/primshader/cull"
	"github.com/gogpu/primshader/emu"
	"github.com/gogpu/primshader/hw"
	"github.com/gogpu/primshader/interp"
	"github.com/gogpu/primshader/lds"
	"github.com/gogpu/primshader/split"
)

// Diagnostic is a pipeline-compile error naming the component that rejected
// the configuration or the program.
type Diagnostic struct {
	Component string // "config", "program", "split", or "layout"
	Message   string
}

func (d *Diagnostic) Error() string {
	return fmt.Sprintf("primshader: %s: %s", d.Component, d.Message)
}

func diagf(component, format string, args ...any) *Diagnostic {
	return &Diagnostic{Component: component, Message: fmt.Sprintf(format, args...)}
}

// InputFn supplies the value of one location-bound entry argument for one
// vertex.
type InputFn func(v emu.VertexInput, location uint32) (interp.Value, error)

// Config fixes a pipeline's compile-time state.
type Config struct {
	GPU      hw.GPUInfo
	WaveSize uint32

	// Culling selects the predicate set. A zero value enables no predicate
	// and the pipeline runs in passthrough mode.
	Culling cull.Config

	// Compaction renumbers surviving vertices densely after culling.
	Compaction bool

	// CullDistanceLocation names the output location that carries the packed
	// cull-distance values the distance predicate consumes.
	CullDistanceLocation *uint32

	// SmallSubgroupThreshold disables culling for subgroups with fewer
	// vertices: the phase overhead outweighs the savings there.
	SmallSubgroupThreshold uint32

	DistributePrimitiveID bool
	TessellationEval      bool
	HasGeometryStage      bool

	// Xfb, when set, captures every vertex output into the stream for
	// surviving primitives. The per-vertex stride is derived from the
	// program's output type.
	Xfb *emu.XfbStream

	// ReadInput supplies location-bound entry arguments; required when the
	// program has any.
	ReadInput InputFn
}

// DefaultConfig returns a culling configuration for a plain vertex pipeline.
func DefaultConfig() Config {
	c := cull.DefaultConfig()
	c.CullDistance = false
	return Config{
		GPU:        hw.InfoForChip(hw.Rev10_3),
		WaveSize:   64,
		Culling:    c,
		Compaction: true,
	}
}

// argKind classifies one entry argument for per-lane evaluation.
type argKind uint8

const (
	argVertexIndex argKind = iota
	argInstanceIndex
	argLocation
)

type argSource struct {
	kind     argKind
	location uint32
}

// exportSlot maps one output member to a hardware export target.
type exportSlot struct {
	target hw.ExportTarget
	slot   uint32
}

// Pipeline is a compiled primitive-shader pipeline. It is immutable and safe
// to share; every subgroup gets its own evaluators.
type Pipeline struct {
	cfg  Config
	frag *split.Result

	chain      []cull.Culler
	cullLayout *lds.Layout // nil when the chain is empty
	passLayout *lds.Layout

	args       []argSource
	exports    []exportSlot
	structured bool // exporter returns a struct rather than a bare position
	xfbStride  uint32
}

// Compile validates the configuration, splits the program, plans the scratch
// layout, and builds the culling chain.
func Compile(m *ir.Module, entry ir.FunctionHandle, cfg Config) (*Pipeline, error) {
	if cfg.WaveSize != 32 && cfg.WaveSize != 64 {
		return nil, diagf("config", "wave size must be 32 or 64, got %d", cfg.WaveSize)
	}
	if int(entry) >= len(m.Functions) {
		return nil, diagf("program", "entry handle %d out of range", entry)
	}

	chain := cull.BuildChain(cfg.Culling)
	if len(chain) > 0 && cfg.HasGeometryStage {
		return nil, diagf("config", "vertex culling is not available with an API geometry stage")
	}
	if cfg.Compaction && len(chain) == 0 {
		return nil, diagf("config", "compaction requires at least one enabled culling predicate")
	}
	if cfg.CullDistanceLocation != nil && !cfg.Culling.CullDistance {
		return nil, diagf("config", "cull-distance location given but the distance predicate is disabled")
	}

	args, err := planArguments(&m.Functions[entry], cfg)
	if err != nil {
		return nil, err
	}

	var opts split.Options
	if len(chain) > 0 && cfg.Culling.CullDistance && cfg.CullDistanceLocation != nil {
		opts.CullDistanceLocation = cfg.CullDistanceLocation
	}
	frag, err := split.Split(m, entry, opts)
	if err != nil {
		return nil, diagf("split", "%v", err)
	}

	exporter := &frag.Module.Functions[frag.Exporter]
	exports, structured, err := exportPlan(frag.Module, exporter, cfg.CullDistanceLocation)
	if err != nil {
		return nil, err
	}

	var xfbStride uint32
	if cfg.Xfb != nil {
		xfbStride, err = typeDwords(frag.Module, exporter.Result.Type)
		if err != nil {
			return nil, diagf("program", "transform feedback capture: %v", err)
		}
	}

	base := lds.Config{
		WaveSize:              cfg.WaveSize,
		HasGeometryStage:      cfg.HasGeometryStage,
		DistributePrimitiveID: cfg.DistributePrimitiveID,
		TessellationEval:      cfg.TessellationEval,
		Xfb:                   cfg.Xfb != nil,
		XfbDwordsPerVertex:    xfbStride,
	}
	passLayout, err := lds.Plan(base)
	if err != nil {
		return nil, diagf("layout", "%v", err)
	}
	var cullLayout *lds.Layout
	if len(chain) > 0 {
		cullCfg := base
		cullCfg.VertexCulling = true
		cullCfg.Compaction = cfg.Compaction
		cullCfg.CullDistance = opts.CullDistanceLocation != nil
		cullLayout, err = lds.Plan(cullCfg)
		if err != nil {
			return nil, diagf("layout", "%v", err)
		}
	}

	return &Pipeline{
		cfg:        cfg,
		frag:       frag,
		chain:      chain,
		cullLayout: cullLayout,
		passLayout: passLayout,
		args:       args,
		exports:    exports,
		structured: structured,
		xfbStride:  xfbStride,
	}, nil
}

// Fragments exposes the split program.
func (p *Pipeline) Fragments() *split.Result { return p.frag }

// Layout returns the scratch plan of a culled dispatch, or the passthrough
// plan when no predicate is enabled.
func (p *Pipeline) Layout() *lds.Layout {
	if p.cullLayout != nil {
		return p.cullLayout
	}
	return p.passLayout
}

// NewSubgroup prepares one dispatch of vertexCount vertices. Dispatches below
// the small-subgroup threshold run in passthrough mode.
func (p *Pipeline) NewSubgroup(vertexCount uint32) (*emu.Subgroup, error) {
	culled := p.cullLayout != nil && vertexCount >= p.cfg.SmallSubgroupThreshold

	ecfg := emu.Config{
		GPU:                   p.cfg.GPU,
		WaveSize:              p.cfg.WaveSize,
		Layout:                p.passLayout,
		DistributePrimitiveID: p.cfg.DistributePrimitiveID,
		TessellationEval:      p.cfg.TessellationEval,
		Xfb:                   p.cfg.Xfb,
		XfbDwordsPerVertex:    p.xfbStride,
	}
	if culled {
		ecfg.Layout = p.cullLayout
		ecfg.Cullers = p.chain
		ecfg.Compaction = p.cfg.Compaction
	}

	fetcher, err := interp.NewEvaluator(p.frag.Module, p.frag.Fetcher)
	if err != nil {
		return nil, err
	}
	exporter, err := interp.NewEvaluator(p.frag.Module, p.frag.Exporter)
	if err != nil {
		return nil, err
	}
	ecfg.Fetch = p.fetchFn(fetcher)
	ecfg.Export = p.exportFn(exporter)
	if p.cfg.Xfb != nil {
		ecfg.Capture = p.captureFn(exporter)
	}
	return emu.NewSubgroup(ecfg)
}

// argValues assembles the entry arguments of one vertex.
func (p *Pipeline) argValues(v emu.VertexInput) ([]interp.Value, error) {
	vals := make([]interp.Value, len(p.args))
	for i, a := range p.args {
		switch a.kind {
		case argVertexIndex:
			vals[i] = interp.U32(v.VertexID)
		case argInstanceIndex:
			vals[i] = interp.U32(v.InstanceID)
		case argLocation:
			val, err := p.cfg.ReadInput(v, a.location)
			if err != nil {
				return nil, fmt.Errorf("primshader: input at location %d: %w", a.location, err)
			}
			vals[i] = val
		}
	}
	return vals, nil
}

func (p *Pipeline) fetchFn(ev *interp.Evaluator) emu.FetchFn {
	return func(v emu.VertexInput) (emu.FetchResult, error) {
		args, err := p.argValues(v)
		if err != nil {
			return emu.FetchResult{}, err
		}
		out, err := ev.Call(args)
		if err != nil {
			return emu.FetchResult{}, err
		}
		if !p.frag.FetcherReturnsStruct {
			return emu.FetchResult{Position: out.Vec4()}, nil
		}
		res := emu.FetchResult{Position: out.Members[0].Vec4()}
		cd := out.Members[1]
		for i := 0; i < cd.Comps; i++ {
			res.CullDistances = append(res.CullDistances, cd.F[i])
		}
		return res, nil
	}
}

// callExporter runs the deferred exporter fragment: the original arguments
// plus the precomputed position appended as the final argument.
func (p *Pipeline) callExporter(ev *interp.Evaluator, v emu.VertexInput, pos mgl32.Vec4) (interp.Value, error) {
	args, err := p.argValues(v)
	if err != nil {
		return interp.Value{}, err
	}
	return ev.Call(append(args, interp.FromVec4(pos)))
}

func (p *Pipeline) exportFn(ev *interp.Evaluator) emu.ExportFn {
	return func(v emu.VertexInput, pos mgl32.Vec4) ([]hw.Export, error) {
		out, err := p.callExporter(ev, v, pos)
		if err != nil {
			return nil, err
		}
		exports := make([]hw.Export, len(p.exports))
		for i, sl := range p.exports {
			mv := out
			if p.structured {
				mv = out.Members[i]
			}
			values, mask, err := exportValues(mv)
			if err != nil {
				return nil, err
			}
			exports[i] = hw.Export{
				Target: sl.target,
				Slot:   sl.slot,
				Values: values,
				Mask:   mask,
				Done:   true,
			}
		}
		return exports, nil
	}
}

func (p *Pipeline) captureFn(ev *interp.Evaluator) emu.CaptureFn {
	return func(v emu.VertexInput, pos mgl32.Vec4) ([]uint32, error) {
		out, err := p.callExporter(ev, v, pos)
		if err != nil {
			return nil, err
		}
		return flattenDwords(out, make([]uint32, 0, p.xfbStride))
	}
}

// planArguments classifies the entry arguments. Unsupported bindings are
// compile diagnostics rather than per-lane failures.
func planArguments(f *ir.Function, cfg Config) ([]argSource, error) {
	args := make([]argSource, len(f.Arguments))
	for i, arg := range f.Arguments {
		if arg.Binding == nil {
			return nil, diagf("program", "entry argument %q has no binding", arg.Name)
		}
		switch b := (*arg.Binding).(type) {
		case ir.BuiltinBinding:
			switch b.Builtin {
			case ir.BuiltinVertexIndex:
				args[i] = argSource{kind: argVertexIndex}
			case ir.BuiltinInstanceIndex:
				args[i] = argSource{kind: argInstanceIndex}
			default:
				return nil, diagf("program", "entry argument %q uses an unsupported builtin", arg.Name)
			}
		case ir.LocationBinding:
			if cfg.ReadInput == nil {
				return nil, diagf("program", "entry argument %q is location-bound but no input reader is configured", arg.Name)
			}
			args[i] = argSource{kind: argLocation, location: b.Location}
		default:
			return nil, diagf("program", "entry argument %q has an unsupported binding", arg.Name)
		}
	}
	return args, nil
}

// exportPlan maps the exporter's result members to hardware export targets.
// The cull-distance output, when named, routes to the distance slot.
func exportPlan(m *ir.Module, f *ir.Function, cdLoc *uint32) ([]exportSlot, bool, error) {
	if f.Result == nil {
		return nil, false, diagf("program", "entry %q returns nothing", f.Name)
	}
	if f.Result.Binding != nil {
		if b, ok := (*f.Result.Binding).(ir.BuiltinBinding); ok && b.Builtin == ir.BuiltinPosition {
			return []exportSlot{{target: hw.TargetPosition}}, false, nil
		}
		return nil, false, diagf("program", "entry %q has an unsupported result binding", f.Name)
	}
	st, ok := m.Types[f.Result.Type].Inner.(ir.StructType)
	if !ok {
		return nil, false, diagf("program", "cannot locate the outputs of entry %q", f.Name)
	}
	slots := make([]exportSlot, len(st.Members))
	for i, mem := range st.Members {
		if mem.Binding == nil {
			return nil, false, diagf("program", "output member %q has no binding", mem.Name)
		}
		switch b := (*mem.Binding).(type) {
		case ir.BuiltinBinding:
			if b.Builtin != ir.BuiltinPosition {
				return nil, false, diagf("program", "output member %q uses an unsupported builtin", mem.Name)
			}
			slots[i] = exportSlot{target: hw.TargetPosition}
		case ir.LocationBinding:
			if cdLoc != nil && b.Location == *cdLoc {
				slots[i] = exportSlot{target: hw.TargetDistance}
			} else {
				slots[i] = exportSlot{target: hw.TargetAttribute, slot: b.Location}
			}
		default:
			return nil, false, diagf("program", "output member %q has an unsupported binding", mem.Name)
		}
	}
	return slots, true, nil
}

// exportValues packs one output value into an export record's component
// array. Integer outputs travel as raw bits, the way hardware exports do.
func exportValues(v interp.Value) ([4]float32, uint8, error) {
	var values [4]float32
	if v.Members != nil {
		return values, 0, fmt.Errorf("primshader: nested struct outputs cannot be exported")
	}
	for i := 0; i < v.Comps; i++ {
		switch v.Kind {
		case ir.ScalarFloat:
			values[i] = v.F[i]
		case ir.ScalarUint:
			values[i] = math.Float32frombits(v.U[i])
		case ir.ScalarSint:
			values[i] = math.Float32frombits(uint32(v.I[i]))
		default:
			return values, 0, fmt.Errorf("primshader: boolean outputs cannot be exported")
		}
	}
	return values, uint8(1<<v.Comps - 1), nil
}

// flattenDwords serializes one output value into capture dwords, recursing
// through struct members in declaration order.
func flattenDwords(v interp.Value, dst []uint32) ([]uint32, error) {
	if v.Members != nil {
		var err error
		for _, mv := range v.Members {
			if dst, err = flattenDwords(mv, dst); err != nil {
				return nil, err
			}
		}
		return dst, nil
	}
	for i := 0; i < v.Comps; i++ {
		switch v.Kind {
		case ir.ScalarFloat:
			dst = append(dst, math.Float32bits(v.F[i]))
		case ir.ScalarUint:
			dst = append(dst, v.U[i])
		case ir.ScalarSint:
			dst = append(dst, uint32(v.I[i]))
		default:
			return nil, fmt.Errorf("primshader: boolean outputs cannot be captured")
		}
	}
	return dst, nil
}

// typeDwords is the captured dword width of one output type.
func typeDwords(m *ir.Module, th ir.TypeHandle) (uint32, error) {
	switch t := m.Types[th].Inner.(type) {
	case ir.ScalarType:
		if t.Kind == ir.ScalarBool {
			return 0, fmt.Errorf("boolean output type %q", m.Types[th].Name)
		}
		return 1, nil
	case ir.VectorType:
		if t.Scalar.Kind == ir.ScalarBool {
			return 0, fmt.Errorf("boolean output type %q", m.Types[th].Name)
		}
		return uint32(t.Size), nil
	case ir.MatrixType:
		return uint32(t.Columns) * uint32(t.Rows), nil
	case ir.StructType:
		var total uint32
		for _, mem := range t.Members {
			n, err := typeDwords(m, mem.Type)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	default:
		return 0, fmt.Errorf("output type %q cannot be captured", m.Types[th].Name)
	}
}
