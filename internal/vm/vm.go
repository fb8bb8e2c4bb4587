// Package vm interprets compiled queries against a tree cursor: the
// fetch/dispatch loop, skip-policy search, backtracking checkpoints, the
// cactus frame arena, and the two fuel counters.
package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/oxhq/plotnik/internal/bytecode"
	"github.com/oxhq/plotnik/internal/runtime"
	"github.com/oxhq/plotnik/internal/trace"
)

// Typed runtime failures. The VM never panics on user input; only a
// structurally corrupt program is panic-worthy.
var (
	ErrNoMatch           = errors.New("vm: no match")
	ErrStepFuelExhausted = errors.New("vm: step fuel exhausted")
	ErrCallFuelExhausted = errors.New("vm: call fuel exhausted")
	ErrUnlinked          = errors.New("vm: program is not linked against a grammar")
)

// Options bounds an execution.
type Options struct {
	StepFuel int64 // 0 means the default
	CallFuel int64
	Tracer   trace.Tracer
}

const (
	DefaultStepFuel = 1 << 20
	DefaultCallFuel = 1 << 12
)

type frame struct {
	ret    uint32
	parent int32
}

type checkpoint struct {
	cursorIdx uint32
	logLen    int
	current   int32
	prevHigh  int32
	resume    uint32
}

// VM is one execution instance. It owns its cursor, effect log, frame
// arena, and checkpoint stack exclusively; the program is shared
// read-only.
type VM struct {
	prog   *bytecode.Program
	steps  []byte
	cursor runtime.Cursor

	ip      uint32
	matched runtime.Node
	effects []runtime.Effect

	frames    []frame
	current   int32
	highWater int32

	checks []checkpoint

	stepFuel int64
	callFuel int64

	trivia [1 << 16 / 64]uint64
	tracer trace.Tracer

	entryTarget uint32
}

// New prepares a VM over a linked program. The cursor must sit at the
// node the entry pattern should match.
func New(prog *bytecode.Program, cursor runtime.Cursor, opts Options) (*VM, error) {
	if !prog.Linked() {
		return nil, ErrUnlinked
	}
	vm := &VM{
		prog:      prog,
		steps:     prog.Steps(),
		cursor:    cursor,
		current:   -1,
		highWater: -1,
		stepFuel:  opts.StepFuel,
		callFuel:  opts.CallFuel,
		tracer:    opts.Tracer,
	}
	if vm.stepFuel <= 0 {
		vm.stepFuel = DefaultStepFuel
	}
	if vm.callFuel <= 0 {
		vm.callFuel = DefaultCallFuel
	}
	for _, k := range prog.TriviaKinds() {
		vm.trivia[k/64] |= 1 << (k % 64)
	}
	return vm, nil
}

func (vm *VM) isTrivia(kind uint16) bool {
	return vm.trivia[kind/64]&(1<<(kind%64)) != 0
}

// Effects exposes the log, e.g. for tests asserting backtrack soundness.
func (vm *VM) Effects() []runtime.Effect { return vm.effects }

// FrameLen reports the live frame-arena size, for the pruning-bound
// tests.
func (vm *VM) FrameLen() int { return len(vm.frames) }

// Run executes the program from the universal preamble with the given
// entry target and returns the surviving effect log.
func (vm *VM) Run(entry uint32) ([]runtime.Effect, error) {
	vm.entryTarget = entry
	vm.ip = 1 // trampoline
	for {
		if vm.stepFuel == 0 {
			return nil, ErrStepFuelExhausted
		}
		vm.stepFuel--

		s := bytecode.DecodeStep(vm.steps, vm.ip)
		if vm.tracer != nil {
			vm.tracer.StepDispatch(vm.ip, opName(s.Op))
		}
		switch s.Op {
		case bytecode.OpAccept:
			return vm.effects, nil
		case bytecode.OpTrampoline:
			if err := vm.enter(0, vm.entryTarget); err != nil {
				return nil, err
			}
		case bytecode.OpReturn:
			if vm.current < 0 {
				panic("vm: return without a frame: corrupt program")
			}
			fr := vm.frames[vm.current]
			vm.ip = fr.ret
			vm.current = fr.parent
			vm.prune()
			if vm.tracer != nil {
				vm.tracer.Return(vm.ip, int(vm.current))
			}
		case bytecode.OpCall:
			if err := vm.enter(s.Ret, s.Target); err != nil {
				return nil, err
			}
		default:
			ok := vm.execMatch(&s)
			if ok {
				if done := vm.branch(&s); done {
					return vm.effects, nil
				}
				continue
			}
			if !vm.backtrack() {
				return nil, ErrNoMatch
			}
		}
	}
}

// enter pushes a frame carrying the return continuation and jumps.
func (vm *VM) enter(ret, target uint32) error {
	if vm.callFuel == 0 {
		return ErrCallFuelExhausted
	}
	vm.callFuel--
	vm.frames = append(vm.frames, frame{ret: ret, parent: vm.current})
	vm.current = int32(len(vm.frames) - 1)
	vm.ip = target
	if vm.tracer != nil {
		vm.tracer.CallEnter(vm.ip, target, int(vm.current))
	}
	return nil
}

// prune reclaims frames above the high-water mark any live checkpoint or
// the current chain can still reach.
func (vm *VM) prune() {
	keep := vm.current
	if vm.highWater > keep {
		keep = vm.highWater
	}
	if int(keep+1) < len(vm.frames) {
		vm.frames = vm.frames[:keep+1]
	}
}

// branch applies the continuation rule: zero successors accept, one sets
// ip, more push a checkpoint per alternative beyond the first.
func (vm *VM) branch(s *bytecode.Step) (accepted bool) {
	switch len(s.Succ) {
	case 0:
		return true
	case 1:
		vm.ip = uint32(s.Succ[0])
		return false
	}
	idx := vm.cursor.DescendantIndex()
	for i := len(s.Succ) - 1; i >= 1; i-- {
		cp := checkpoint{
			cursorIdx: idx,
			logLen:    len(vm.effects),
			current:   vm.current,
			prevHigh:  vm.highWater,
			resume:    uint32(s.Succ[i]),
		}
		vm.checks = append(vm.checks, cp)
		if cp.current > vm.highWater {
			vm.highWater = cp.current
		}
	}
	vm.ip = uint32(s.Succ[0])
	return false
}

// backtrack restores the youngest checkpoint: cursor position, log
// length, frame pointer, high-water mark, and resume step.
func (vm *VM) backtrack() bool {
	if len(vm.checks) == 0 {
		return false
	}
	cp := vm.checks[len(vm.checks)-1]
	vm.checks = vm.checks[:len(vm.checks)-1]
	vm.cursor.GotoDescendant(cp.cursorIdx)
	vm.effects = vm.effects[:cp.logLen]
	vm.current = cp.current
	vm.highWater = cp.prevHigh
	vm.ip = cp.resume
	if vm.tracer != nil {
		vm.tracer.Backtrack(cp.resume, cp.logLen)
	}
	return true
}

func (vm *VM) emit(effs []uint16) {
	for _, slot := range effs {
		op, arg := bytecode.UnpackEffect(slot)
		e := runtime.Effect{Op: op, Arg: arg}
		switch op {
		case runtime.EffNode, runtime.EffText:
			e.Node = vm.matched
		}
		vm.effects = append(vm.effects, e)
		if vm.tracer != nil {
			vm.tracer.Effect(vm.ip, e)
		}
	}
}

// execMatch runs one match step: pre effects, navigation, the
// policy-driven search loop, constraint checks, then post effects.
func (vm *VM) execMatch(s *bytecode.Step) bool {
	vm.emit(s.Pre)
	if s.Nav.IsEpsilon() {
		vm.emit(s.Post)
		return true
	}
	vm.matched = nil
	switch s.Nav.Mode() {
	case bytecode.NavUp:
		if !vm.execUp(s) {
			return false
		}
	case bytecode.NavCtrl: // stay
		if !vm.search(s, false) {
			return false
		}
	case bytecode.NavDown:
		if ok := vm.cursor.GotoFirstChild(); !ok {
			vm.traceNav(s, false)
			return false
		}
		vm.traceNav(s, true)
		if !vm.search(s, true) {
			return false
		}
	case bytecode.NavNext:
		if ok := vm.cursor.GotoNextSibling(); !ok {
			vm.traceNav(s, false)
			return false
		}
		vm.traceNav(s, true)
		if !vm.search(s, true) {
			return false
		}
	}
	// Negated fields are verified on the matched node after the search
	// settles; a hit fails the whole step.
	for _, negID := range s.Neg {
		if vm.matched.HasField(negID) {
			if vm.tracer != nil {
				vm.tracer.Match(vm.ip, false)
			}
			return false
		}
	}
	vm.emit(s.Post)
	return true
}

func (vm *VM) traceNav(s *bytecode.Step, ok bool) {
	if vm.tracer != nil {
		vm.tracer.Nav(vm.ip, s.Nav.String(), ok)
	}
}

// search applies the skip policy: exact tries once, skip-trivia advances
// only across trivia, skip-any advances freely. A trivia node that
// matches the target is never skipped, because the check runs first.
func (vm *VM) search(s *bytecode.Step, canAdvance bool) bool {
	for {
		if vm.check(s) {
			vm.matched = vm.cursor.Node()
			if vm.tracer != nil {
				vm.tracer.Match(vm.ip, true)
			}
			return true
		}
		if !canAdvance {
			break
		}
		switch s.Nav.Policy() {
		case bytecode.PolicyExact:
			canAdvance = false
			continue
		case bytecode.PolicyTrivia:
			if !vm.isTrivia(vm.cursor.Node().KindID()) || !vm.cursor.GotoNextSibling() {
				canAdvance = false
			}
		default: // skip-any
			if !vm.cursor.GotoNextSibling() {
				canAdvance = false
			}
		}
	}
	if vm.tracer != nil {
		vm.tracer.Match(vm.ip, false)
	}
	return false
}

// execUp verifies the exit constraint, then ascends.
func (vm *VM) execUp(s *bytecode.Step) bool {
	switch s.Nav.Policy() {
	case bytecode.PolicyExact:
		// must be the last child
		idx := vm.cursor.DescendantIndex()
		if vm.cursor.GotoNextSibling() {
			vm.cursor.GotoDescendant(idx)
			vm.traceNav(s, false)
			return false
		}
	case bytecode.PolicyTrivia:
		// only trivia may follow
		idx := vm.cursor.DescendantIndex()
		for vm.cursor.GotoNextSibling() {
			if !vm.isTrivia(vm.cursor.Node().KindID()) {
				vm.cursor.GotoDescendant(idx)
				vm.traceNav(s, false)
				return false
			}
		}
		vm.cursor.GotoDescendant(idx)
	}
	for i := uint8(0); i < s.Nav.Levels(); i++ {
		if !vm.cursor.GotoParent() {
			vm.traceNav(s, false)
			return false
		}
	}
	vm.traceNav(s, true)
	vm.matched = vm.cursor.Node()
	if vm.tracer != nil {
		vm.tracer.Match(vm.ip, true)
	}
	return true
}

// check evaluates the field, kind, and predicate constraints on the
// current node.
func (vm *VM) check(s *bytecode.Step) bool {
	n := vm.cursor.Node()
	if s.Field != 0 && vm.cursor.FieldID() != s.Field {
		return false
	}
	switch s.KindClass {
	case bytecode.KCExact:
		if s.Type != 0 && n.KindID() != s.Type {
			return false
		}
	case bytecode.KCAnyNamed:
		if !n.IsNamed() {
			return false
		}
	case bytecode.KCAnyAnon:
		if n.IsNamed() {
			return false
		}
	case bytecode.KCAny:
		// always
	case bytecode.KCMissing:
		if !n.IsMissing() {
			return false
		}
		if s.Type != 0 && n.KindID() != s.Type {
			return false
		}
	case bytecode.KCErrorNode:
		if !n.IsError() {
			return false
		}
	case bytecode.KCTrivia:
		if !vm.isTrivia(n.KindID()) {
			return false
		}
	}
	if s.HasPred && !vm.evalPred(s, n) {
		return false
	}
	return true
}

func (vm *VM) evalPred(s *bytecode.Step, n runtime.Node) bool {
	text := n.Text()
	switch s.PredOp {
	case bytecode.PredEq:
		return text == vm.prog.String(uint32(s.PredArg))
	case bytecode.PredNotEq:
		return text != vm.prog.String(uint32(s.PredArg))
	case bytecode.PredPrefix:
		return strings.HasPrefix(text, vm.prog.String(uint32(s.PredArg)))
	case bytecode.PredSuffix:
		return strings.HasSuffix(text, vm.prog.String(uint32(s.PredArg)))
	case bytecode.PredContains:
		return strings.Contains(text, vm.prog.String(uint32(s.PredArg)))
	case bytecode.PredRegex:
		return vm.prog.Regexp(s.PredArg).MatchString(text)
	case bytecode.PredNotRegex:
		return !vm.prog.Regexp(s.PredArg).MatchString(text)
	}
	return false
}

func opName(op uint8) string {
	switch op {
	case bytecode.OpAccept:
		return "accept"
	case bytecode.OpMatch8:
		return "match8"
	case bytecode.OpMatchN:
		return "matchN"
	case bytecode.OpCall:
		return "call"
	case bytecode.OpReturn:
		return "return"
	case bytecode.OpTrampoline:
		return "trampoline"
	}
	return fmt.Sprintf("op%d", op)
}
