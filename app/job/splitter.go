package job

import (
	"fmt"

	"github.com/umputun/ganga/app/schema"
)

// Splitter makes subjobs out of a master job
type Splitter interface {
	schema.Object
	Split(master *Job) ([]*Job, error)
}

var argSplitterSchema = schema.MustNew("splitters", "ArgSplitter", schema.Version{Major: 1, Minor: 0},
	schema.Item{Name: "args", Kind: schema.KindStringTable, Comparable: true},
)

// ArgSplitter makes one subjob per arguments row, replacing application arguments
type ArgSplitter struct {
	Args [][]string
}

// NewArgSplitter makes splitter for given argument rows
func NewArgSplitter(args ...[]string) *ArgSplitter {
	return &ArgSplitter{Args: args}
}

// Schema returns splitter schema
func (s *ArgSplitter) Schema() *schema.Schema { return argSplitterSchema }

// Fields returns persisted attributes
func (s *ArgSplitter) Fields() schema.Fields {
	return schema.Fields{"args": schema.Fields{"args": s.Args}.StringTable("args")}
}

// SetFields populates splitter from stored attributes
func (s *ArgSplitter) SetFields(f schema.Fields) error {
	s.Args = f.StringTable("args")
	return nil
}

// Split makes len(Args) subjobs, each a copy of the master with its own arguments
func (s *ArgSplitter) Split(master *Job) ([]*Job, error) {
	if len(s.Args) == 0 {
		return nil, fmt.Errorf("no arguments to split job %s", master.FQID())
	}
	if master.Application == nil {
		return nil, fmt.Errorf("job %s has no application to split", master.FQID())
	}
	res := make([]*Job, 0, len(s.Args))
	for i, args := range s.Args {
		sj, err := master.subjobCopy()
		if err != nil {
			return nil, fmt.Errorf("can't make subjob %d: %w", i, err)
		}
		sj.Application.SetArgs(args)
		res = append(res, sj)
	}
	return res, nil
}
