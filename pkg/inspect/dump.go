package inspect

import (
	"fmt"
	"io"
	"strings"

	"github.com/nlabh01/brooklyn-server/pkg/entity"
)

// Dump writes an indented text description of n's subtree:
//
//	TestEntity: 3f9c2a1b7e
//	  displayName: testentity
//	  lifecycle: running
//	  config:
//	    test.confName: defaultval
//	  sensors:
//	    test.name: New Name
//	  enrichers:
//	    Propagator[4b1d0c9e2f]: running
//	  children:
//	    ...
func Dump(w io.Writer, n *entity.Node) error {
	d := &dumper{w: w}
	d.node(Describe(n), 0)
	return d.err
}

// dumper keeps the first write error and skips every write after it.
type dumper struct {
	w   io.Writer
	err error
}

func (d *dumper) line(depth int, format string, args ...any) {
	if d.err != nil {
		return
	}
	_, d.err = fmt.Fprintf(d.w, "%s"+format+"\n", append([]any{strings.Repeat("  ", depth)}, args...)...)
}

func (d *dumper) node(v NodeView, depth int) {
	d.line(depth, "%s: %s", shortName(v.Type), v.ID)
	depth++
	d.line(depth, "displayName: %s", v.DisplayName)
	if v.PlanID != "" {
		d.line(depth, "planId: %s", v.PlanID)
	}
	d.line(depth, "lifecycle: %s", v.Lifecycle)
	d.values(depth, "config", v.Config)
	d.values(depth, "sensors", v.Sensors)
	d.adjuncts(depth, "enrichers", v.Enrichers)
	d.adjuncts(depth, "policies", v.Policies)
	if len(v.Problems) > 0 {
		d.line(depth, "problems:")
		for _, p := range v.Problems {
			d.line(depth+1, "%s", p)
		}
	}
	if len(v.Children) > 0 {
		d.line(depth, "children:")
		for _, c := range v.Children {
			d.node(c, depth+1)
		}
	}
}

func (d *dumper) values(depth int, title string, m map[string]any) {
	if len(m) == 0 {
		return
	}
	d.line(depth, "%s:", title)
	for _, k := range sortedKeys(m) {
		d.line(depth+1, "%s: %v", k, m[k])
	}
}

func (d *dumper) adjuncts(depth int, title string, list []AdjunctView) {
	if len(list) == 0 {
		return
	}
	d.line(depth, "%s:", title)
	for _, a := range list {
		if a.Failure != "" {
			d.line(depth+1, "%s[%s]: %s (%s)", a.DisplayName, a.ID, a.State, a.Failure)
			continue
		}
		d.line(depth+1, "%s[%s]: %s", a.DisplayName, a.ID, a.State)
	}
}

func shortName(typeName string) string {
	if i := strings.LastIndex(typeName, "."); i >= 0 {
		return typeName[i+1:]
	}
	return typeName
}
