package engine

import (
	"github.com/flowfile/flowfile/internal/flow/lazyplan"
	"github.com/flowfile/flowfile/internal/flow/model"
)

// writeOutput materialises a table to the output node's target file.
func writeOutput(s *model.OutputSettings, t *lazyplan.Table) error {
	return lazyplan.WriteTable(s.Path, s.Format, s.WriteMode, t)
}
