package trace

import (
	"io"
	"os"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// Export is the on-disk form of a trace: the summary first, then the records.
type Export struct {
	Summary *TraceSummary    `json:"summary"`
	Trace   *SimulationTrace `json:"trace"`
}

// WriteJSON writes v as indented JSON with sorted map keys, so identical
// runs produce byte-identical files.
func WriteJSON(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding json")
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return errors.Wrap(err, "writing json")
}

// WriteFile exports st and its summary to path.
func WriteFile(path string, st *SimulationTrace) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating trace file")
	}
	if err := WriteJSON(f, Export{Summary: Summarize(st), Trace: st}); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "closing trace file")
}
