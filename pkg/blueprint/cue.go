package blueprint

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// Schema is the CUE definition every blueprint document must satisfy.
const Schema = `
#Blueprint: {
	name?:        string
	description?: string
	services?: [...#Service]
	"brooklyn.config"?: {[string]: _}
	"brooklyn.enrichers"?: [...#Enricher]
	"brooklyn.policies"?: [...#Policy]
	...
}

#Service: {
	serviceType?: string & !=""
	type?:        string & !=""
	id?:          string & =~"^\\S+$"
	name?:        string
	"brooklyn.config"?: {[string]: _}
	"brooklyn.children"?: [...#Service]
	"brooklyn.enrichers"?: [...#Enricher]
	"brooklyn.policies"?: [...#Policy]
	...
}

#Enricher: {
	enricherType?: string & !=""
	type?:         string & !=""
	name?:         string
	"brooklyn.config"?: {[string]: _}
	...
}

#Policy: {
	policyType?: string & !=""
	type?:       string & !=""
	name?:       string
	"brooklyn.config"?: {[string]: _}
	...
}
`

// cueRuntime holds the compiled schema. CUE values are not safe for
// concurrent use, so every operation takes mu.
type cueRuntime struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

var (
	schemaOnce sync.Once
	schemaRT   *cueRuntime
	schemaErr  error
)

func cueSchema() (*cueRuntime, error) {
	schemaOnce.Do(func() {
		ctx := cuecontext.New()
		val := ctx.CompileString(Schema, cue.Filename("blueprint.cue"))
		if err := val.Err(); err != nil {
			schemaErr = fmt.Errorf("failed to compile blueprint schema: %w", err)
			return
		}
		schemaRT = &cueRuntime{
			ctx:    ctx,
			schema: val.LookupPath(cue.ParsePath("#Blueprint")),
		}
	})
	return schemaRT, schemaErr
}

// ParseCUE parses a blueprint written in CUE. The document is unified with
// the blueprint schema before it is decoded.
func ParseCUE(data []byte) (*Blueprint, error) {
	return parseCUE(data, "")
}

func parseCUE(data []byte, file string) (*Blueprint, error) {
	rt, err := cueSchema()
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	doc, problems := rt.decode(data, file)
	rt.mu.Unlock()
	if len(problems) > 0 {
		return nil, invalid(problems)
	}
	return fromDocument(doc, file)
}

func (rt *cueRuntime) decode(data []byte, file string) (map[string]any, []ValidationError) {
	opts := []cue.BuildOption{}
	if file != "" {
		opts = append(opts, cue.Filename(file))
	}
	val := rt.ctx.CompileBytes(data, opts...)
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err, file)
	}

	unified := rt.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err, file)
	}

	var doc map[string]any
	if err := unified.Decode(&doc); err != nil {
		return nil, []ValidationError{{File: file, Message: fmt.Sprintf("failed to decode: %v", err)}}
	}
	return doc, nil
}

// schemaProblems checks a document against the schema.
func schemaProblems(doc map[string]any) []ValidationError {
	rt, err := cueSchema()
	if err != nil {
		return []ValidationError{{Message: err.Error()}}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	val := rt.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return convertCUEErrors(err, "")
	}
	if err := rt.schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err, "")
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error, file string) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		ve := ValidationError{
			File:    file,
			Path:    cuePath(e.Path()),
			Message: fmt.Sprintf(format, args...),
		}
		for _, pos := range errors.Positions(e) {
			if pos.Filename() == "blueprint.cue" {
				continue
			}
			if f := pos.Filename(); f != "" {
				ve.File = f
			}
			ve.Line = pos.Line()
			ve.Column = pos.Column()
			break
		}
		out = append(out, ve)
	}
	return out
}

// cuePath renders a CUE error path the way the other validation errors do:
// definition segments are dropped and list indexes are bracketed, so
// "#Blueprint.services.0.id" becomes "services[0].id".
func cuePath(segs []string) string {
	var b strings.Builder
	for _, seg := range segs {
		seg = strings.Trim(seg, `"`)
		switch {
		case strings.HasPrefix(seg, "#"):
			continue
		case isIndex(seg):
			b.WriteString("[" + seg + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func isIndex(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
