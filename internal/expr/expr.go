// Package expr compiles and evaluates boolean predicates over a detected
// object and the frame that holds it.
//
// Expressions are CEL. The variables in scope are:
//
//	attrs       map(string, dyn)     visible object attributes keyed "namespace.name"
//	label       string               object label
//	creator     string               name of the model that produced the object
//	confidence  double
//	track_id    int                  0 when untracked
//	parent_id   int                  0 when the object has no parent
//	bbox        map(string, double)  xc, yc, width, height, angle, area
//	frame       map(string, dyn)     id, source, stage, attrs
//
// Besides the CEL built-ins, which include s.matches(re), glob(s, pattern)
// and s.glob(pattern) match shell patterns where '*' and '?' do not cross '/'.
//
//	label == "car" && confidence > 0.5
//	attrs["tracker.age"] > 10 || creator.glob("yolo*")
//	frame.source.matches("^cam-[0-9]+$")
package expr

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	lru "github.com/hashicorp/golang-lru/v2"

	ferrors "github.com/drblury/frameflow/internal/runtime/errors"
)

// Box is the object's bounding box as seen by expressions.
type Box struct {
	XC, YC, Width, Height, Angle float64
}

// FrameVars describes the frame an object belongs to.
type FrameVars struct {
	ID     string
	Source string
	Stage  string
	Attrs  map[string]any
}

// Vars is one evaluation input.
type Vars struct {
	Attrs      map[string]any
	Label      string
	Creator    string
	Confidence float64
	TrackID    int64
	ParentID   int64
	Box        Box
	Frame      FrameVars
}

func (v Vars) activation() map[string]any {
	return map[string]any{
		"attrs":      orEmpty(v.Attrs),
		"label":      v.Label,
		"creator":    v.Creator,
		"confidence": v.Confidence,
		"track_id":   v.TrackID,
		"parent_id":  v.ParentID,
		"bbox": map[string]float64{
			"xc":     v.Box.XC,
			"yc":     v.Box.YC,
			"width":  v.Box.Width,
			"height": v.Box.Height,
			"angle":  v.Box.Angle,
			"area":   v.Box.Width * v.Box.Height,
		},
		"frame": map[string]any{
			"id":     v.Frame.ID,
			"source": v.Frame.Source,
			"stage":  v.Frame.Stage,
			"attrs":  orEmpty(v.Frame.Attrs),
		},
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// DefaultGlobCacheSize bounds the compiled glob patterns kept per
// environment.
const DefaultGlobCacheSize = 128

// environment builds the CEL declarations with a glob function that keeps
// compiled patterns in globs.
func environment(globs *lru.Cache[string, glob.Glob]) (*cel.Env, error) {
	match := func(lhs, rhs ref.Val) ref.Val {
		s, ok := lhs.(types.String)
		if !ok {
			return types.MaybeNoSuchOverloadErr(lhs)
		}
		pattern, ok := rhs.(types.String)
		if !ok {
			return types.MaybeNoSuchOverloadErr(rhs)
		}
		g, err := compileGlob(globs, string(pattern))
		if err != nil {
			return types.NewErr("glob %q: %v", string(pattern), err)
		}
		return types.Bool(g.Match(string(s)))
	}
	return cel.NewEnv(
		cel.Variable("attrs", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("label", cel.StringType),
		cel.Variable("creator", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("track_id", cel.IntType),
		cel.Variable("parent_id", cel.IntType),
		cel.Variable("bbox", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("frame", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(match)),
			cel.MemberOverload("string_glob_string",
				[]*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(match)),
		),
	)
}

func compileGlob(globs *lru.Cache[string, glob.Glob], pattern string) (glob.Glob, error) {
	if g, ok := globs.Get(pattern); ok {
		return g, nil
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, err
	}
	globs.Add(pattern, g)
	return g, nil
}

// Program is a compiled predicate. It is safe for concurrent use.
type Program struct {
	src  string
	prog cel.Program
}

// Compile parses and type-checks src. Unknown identifiers and type errors
// that can be seen statically fail here with an EvalError. Every call
// builds a fresh environment; callers compiling repeatedly use a Cache.
func Compile(src string) (*Program, error) {
	globs, _ := lru.New[string, glob.Glob](DefaultGlobCacheSize)
	e, err := environment(globs)
	if err != nil {
		return nil, &ferrors.EvalError{Expr: strings.TrimSpace(src), Cause: err}
	}
	return compile(e, src)
}

func compile(e *cel.Env, src string) (*Program, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, &ferrors.EvalError{Expr: src, Cause: fmt.Errorf("empty expression")}
	}
	ast, iss := e.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, &ferrors.EvalError{Expr: src, Cause: iss.Err()}
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, &ferrors.EvalError{Expr: src, Cause: fmt.Errorf("result is %s, not bool", t)}
	}
	prog, err := e.Program(ast)
	if err != nil {
		return nil, &ferrors.EvalError{Expr: src, Cause: err}
	}
	return &Program{src: src, prog: prog}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Program {
	p, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Program) String() string { return p.src }

// Match evaluates the predicate. Missing map keys, runtime type mismatches
// and non-boolean results fail with an EvalError.
func (p *Program) Match(v Vars) (bool, error) {
	out, _, err := p.prog.Eval(v.activation())
	if err != nil {
		return false, &ferrors.EvalError{Expr: p.src, Cause: err}
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, &ferrors.EvalError{Expr: p.src, Cause: fmt.Errorf("result %v is %s, not bool", out, out.Type())}
	}
	return bool(b), nil
}

// DefaultCacheSize bounds the programs kept by NewCache(0).
const DefaultCacheSize = 256

// Cache keeps the most recently used compiled programs so callers may pass
// expression source on every call. Its programs share one environment and
// one bounded set of compiled glob patterns.
type Cache struct {
	env      *cel.Env
	envErr   error
	programs *lru.Cache[string, *Program]
	globs    *lru.Cache[string, glob.Glob]
}

type CacheOption func(*cacheOptions)

type cacheOptions struct {
	globs int
}

// WithGlobCacheSize bounds the compiled glob patterns, DefaultGlobCacheSize
// by default.
func WithGlobCacheSize(n int) CacheOption {
	return func(o *cacheOptions) { o.globs = n }
}

func NewCache(size int, opts ...CacheOption) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	o := cacheOptions{globs: DefaultGlobCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.globs <= 0 {
		o.globs = DefaultGlobCacheSize
	}
	c := &Cache{}
	c.programs, _ = lru.New[string, *Program](size)
	c.globs, _ = lru.New[string, glob.Glob](o.globs)
	c.env, c.envErr = environment(c.globs)
	return c
}

// Compile returns the cached program for src, compiling it on a miss.
// Failed compilations are not cached.
func (c *Cache) Compile(src string) (*Program, error) {
	if p, ok := c.programs.Get(src); ok {
		return p, nil
	}
	if c.envErr != nil {
		return nil, &ferrors.EvalError{Expr: strings.TrimSpace(src), Cause: c.envErr}
	}
	p, err := compile(c.env, src)
	if err != nil {
		return nil, err
	}
	c.programs.Add(src, p)
	return p, nil
}

// Len returns the number of cached programs.
func (c *Cache) Len() int { return c.programs.Len() }

// GlobLen returns the number of cached glob patterns.
func (c *Cache) GlobLen() int { return c.globs.Len() }
