package job

import (
	"fmt"
	"sort"
	"strings"

	"github.com/umputun/ganga/app/schema"
)

// Application describes what a job runs
type Application interface {
	schema.Object
	Command() (exe string, args []string)
	Environ() map[string]string
	SetArgs(args []string)
}

var executableSchema = schema.MustNew("applications", "Executable", schema.Version{Major: 2, Minor: 0},
	schema.Item{Name: "exe", Kind: schema.KindString, Default: "echo", Comparable: true},
	schema.Item{Name: "args", Kind: schema.KindStrings, Default: []string{"Hello World"}, Comparable: true},
	schema.Item{Name: "env", Kind: schema.KindStringMap, Comparable: true},
)

// Executable runs an arbitrary executable with arguments and environment
type Executable struct {
	Exe  string
	Args []string
	Env  map[string]string
}

// NewExecutable makes executable application with defaults
func NewExecutable() *Executable {
	e := &Executable{}
	_ = e.SetFields(executableSchema.Defaults())
	return e
}

// Schema returns executable schema
func (e *Executable) Schema() *schema.Schema { return executableSchema }

// Fields returns persisted attributes
func (e *Executable) Fields() schema.Fields {
	return schema.Fields{"exe": e.Exe, "args": append([]string{}, e.Args...), "env": copyMap(e.Env)}
}

// SetFields populates executable from stored attributes
func (e *Executable) SetFields(f schema.Fields) error {
	e.Exe, e.Args, e.Env = f.String("exe"), f.Strings("args"), f.StringMap("env")
	return nil
}

// Command returns executable and arguments
func (e *Executable) Command() (exe string, args []string) {
	return e.Exe, append([]string{}, e.Args...)
}

// Environ returns extra environment
func (e *Executable) Environ() map[string]string {
	return copyMap(e.Env)
}

// SetArgs replaces arguments, used by splitters
func (e *Executable) SetArgs(args []string) {
	e.Args = append([]string{}, args...)
}

// ShellLine makes single shell command line with quoted arguments and sorted env assignments
func ShellLine(app Application) string {
	exe, args := app.Command()
	parts := []string{}
	env := app.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, shellQuote(env[k])))
	}
	parts = append(parts, shellQuote(exe))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
