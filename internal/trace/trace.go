// Package trace defines the optional observer the interpreter notifies
// as it executes. A nil tracer costs nothing: the VM guards every call.
package trace

import (
	"fmt"
	"strings"

	"github.com/oxhq/plotnik/internal/runtime"
)

// Tracer observes VM execution.
type Tracer interface {
	// StepDispatch fires on every fetch, before the opcode runs.
	StepDispatch(ip uint32, op string)
	// Nav fires after a cursor movement attempt.
	Nav(ip uint32, nav string, ok bool)
	// Match fires after the node check.
	Match(ip uint32, ok bool)
	// Effect fires when an entry is appended to the log.
	Effect(ip uint32, eff runtime.Effect)
	// CallEnter fires when a frame is pushed.
	CallEnter(ip, target uint32, depth int)
	// Return fires when control moves back to the parent frame.
	Return(ip uint32, depth int)
	// Backtrack fires when a checkpoint is restored.
	Backtrack(resume uint32, logLen int)
}

// Collector records events as printable lines, for `run --trace` and the
// execution tests.
type Collector struct {
	Lines []string
}

func (c *Collector) add(format string, args ...any) {
	c.Lines = append(c.Lines, fmt.Sprintf(format, args...))
}

func (c *Collector) StepDispatch(ip uint32, op string) { c.add("step %d %s", ip, op) }

func (c *Collector) Nav(ip uint32, nav string, ok bool) { c.add("nav %d %s ok=%v", ip, nav, ok) }

func (c *Collector) Match(ip uint32, ok bool) { c.add("match %d ok=%v", ip, ok) }

func (c *Collector) Effect(ip uint32, eff runtime.Effect) { c.add("effect %d %s", ip, eff.Op) }

func (c *Collector) CallEnter(ip, target uint32, depth int) {
	c.add("call %d -> %d depth=%d", ip, target, depth)
}

func (c *Collector) Return(ip uint32, depth int) { c.add("return %d depth=%d", ip, depth) }

func (c *Collector) Backtrack(resume uint32, logLen int) {
	c.add("backtrack -> %d log=%d", resume, logLen)
}

func (c *Collector) String() string { return strings.Join(c.Lines, "\n") }

// Count returns how many events matched the prefix, a convenience for
// assertions.
func (c *Collector) Count(prefix string) int {
	n := 0
	for _, l := range c.Lines {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}
