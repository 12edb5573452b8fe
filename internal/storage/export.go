package storage

import (
	"encoding/json"
	"io"
	"os"
)

type ExportData struct {
	Run    RunMetadata   `json:"run"`
	Cycles []CycleExport `json:"cycles"`
}

type CycleExport struct {
	Year       int     `json:"year"`
	Evaluated  int     `json:"evaluated"`
	Changed    int     `json:"changed"`
	Built      int     `json:"built"`
	Processed  int     `json:"processed"`
	Errors     int     `json:"errors"`
	DurationMS float64 `json:"duration_ms"`
}

// Export writes a run and its cycle rows as indented JSON.
func (s *Store) Export(w io.Writer, runID string) error {
	meta, err := s.Load(runID)
	if err != nil {
		return err
	}
	cycles, err := s.LoadCycles(runID)
	if err != nil {
		return err
	}

	data := ExportData{Run: *meta, Cycles: make([]CycleExport, len(cycles))}
	for i, c := range cycles {
		data.Cycles[i] = CycleExport{
			Year:       c.Year,
			Evaluated:  c.Evaluated,
			Changed:    c.Changed,
			Built:      c.Built,
			Processed:  c.Processed,
			Errors:     c.Errors,
			DurationMS: c.Duration.Seconds() * 1000,
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (s *Store) ExportFile(path, runID string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.Export(f, runID); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
