// Package materialize replays an effect log into a Value tree. The log
// already survived backtracking, so replay is a single forward pass; any
// structural inconsistency means the compiler emitted bad code and fails
// loudly.
package materialize

import (
	"fmt"

	"github.com/oxhq/plotnik/internal/bytecode"
	"github.com/oxhq/plotnik/internal/runtime"
)

type containerKind uint8

const (
	contObj containerKind = iota
	contArr
	contEnum
)

type container struct {
	kind containerKind
	obj  *runtime.ObjectValue
	arr  runtime.ArrayValue
	tag  string
}

// Materialize replays the log. The program supplies member and variant
// names for Set and StartEnum arguments. A malformed log denotes a bug
// in the compiler, not in user input, so it panics rather than returning
// an error the caller would be tempted to swallow.
func Materialize(prog *bytecode.Program, log []runtime.Effect) runtime.Value {
	m := &materializer{prog: prog}
	for i, e := range log {
		if err := m.apply(e); err != nil {
			panic(fmt.Sprintf("materialize: op %d (%s): %v", i, e.Op, err))
		}
	}
	if len(m.stack) != 0 {
		panic("materialize: unbalanced containers: corrupt effect log")
	}
	if !m.set {
		return runtime.NullValue{}
	}
	return m.current
}

type materializer struct {
	prog     *bytecode.Program
	current  runtime.Value
	set      bool
	stack    []container
	suppress int
}

func (m *materializer) setCurrent(v runtime.Value) {
	m.current = v
	m.set = true
}

func (m *materializer) clearCurrent() {
	m.current = nil
	m.set = false
}

func (m *materializer) top() (*container, error) {
	if len(m.stack) == 0 {
		return nil, fmt.Errorf("container stack is empty")
	}
	return &m.stack[len(m.stack)-1], nil
}

func (m *materializer) apply(e runtime.Effect) error {
	// While suppressed, data-carrying ops are swallowed but structural
	// ops still run so nesting stays balanced.
	if m.suppress > 0 {
		switch e.Op {
		case runtime.EffSuppressBegin:
			m.suppress++
			return nil
		case runtime.EffSuppressEnd:
			m.suppress--
			return nil
		case runtime.EffStartObj, runtime.EffStartArr, runtime.EffStartEnum:
			return m.push(e)
		case runtime.EffEndObj, runtime.EffEndArr, runtime.EffEndEnum:
			return m.popSuppressed(e)
		default:
			return nil
		}
	}

	switch e.Op {
	case runtime.EffNode:
		m.setCurrent(runtime.NodeValue{Node: e.Node})
	case runtime.EffText:
		m.setCurrent(runtime.StringValue(e.Node.Text()))
	case runtime.EffStartObj, runtime.EffStartArr, runtime.EffStartEnum:
		return m.push(e)
	case runtime.EffEndObj:
		c, err := m.top()
		if err != nil || c.kind != contObj {
			return fmt.Errorf("end-obj without an open object")
		}
		m.stack = m.stack[:len(m.stack)-1]
		m.setCurrent(c.obj)
	case runtime.EffEndArr:
		c, err := m.top()
		if err != nil || c.kind != contArr {
			return fmt.Errorf("end-arr without an open array")
		}
		m.stack = m.stack[:len(m.stack)-1]
		m.setCurrent(c.arr)
	case runtime.EffEndEnum:
		c, err := m.top()
		if err != nil || c.kind != contEnum {
			return fmt.Errorf("end-enum without an open variant")
		}
		m.stack = m.stack[:len(m.stack)-1]
		payload := m.current
		if !m.set {
			payload = runtime.NullValue{}
		}
		m.setCurrent(runtime.VariantValue{Tag: c.tag, Payload: payload})
	case runtime.EffPush:
		c, err := m.top()
		if err != nil || c.kind != contArr {
			return fmt.Errorf("push without an open array")
		}
		v := m.current
		if !m.set {
			v = runtime.NullValue{}
		}
		c.arr = append(c.arr, v)
		m.clearCurrent()
	case runtime.EffSet:
		c, err := m.top()
		if err != nil || c.kind != contObj {
			return fmt.Errorf("set without an open object")
		}
		v := m.current
		if !m.set {
			v = runtime.NullValue{}
		}
		c.obj.Set(m.prog.MemberName(e.Arg), v)
		m.clearCurrent()
	case runtime.EffNull:
		m.setCurrent(runtime.NullValue{})
	case runtime.EffClear:
		m.clearCurrent()
	case runtime.EffSuppressBegin:
		m.suppress++
	case runtime.EffSuppressEnd:
		if m.suppress == 0 {
			return fmt.Errorf("suppress-end without suppress-begin")
		}
		m.suppress--
	default:
		return fmt.Errorf("unknown effect op %d", e.Op)
	}
	return nil
}

func (m *materializer) push(e runtime.Effect) error {
	switch e.Op {
	case runtime.EffStartObj:
		m.stack = append(m.stack, container{kind: contObj, obj: &runtime.ObjectValue{}})
	case runtime.EffStartArr:
		m.stack = append(m.stack, container{kind: contArr})
	case runtime.EffStartEnum:
		m.stack = append(m.stack, container{kind: contEnum, tag: m.prog.MemberName(e.Arg)})
	}
	return nil
}

func (m *materializer) popSuppressed(e runtime.Effect) error {
	if len(m.stack) == 0 {
		return fmt.Errorf("unbalanced container close under suppression")
	}
	m.stack = m.stack[:len(m.stack)-1]
	return nil
}
