package image

import (
	"fmt"

	peparser "github.com/saferwall/pe"

	"privload/internal/winnt"
)

type ImportSummary struct {
	DLL     string
	Symbols []string
}

type ExportSummary struct {
	Name      string
	Ordinal   uint32
	Forwarder string
}

// Summary describes an image file without mapping it.
type Summary struct {
	Machine string
	Is64    bool
	Imports []ImportSummary
	Exports []ExportSummary
}

// Inspect parses the file at path and summarizes its imports and exports.
func Inspect(path string) (*Summary, error) {
	f, err := peparser.New(path, &peparser.Options{})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Parse(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	s := &Summary{
		Machine: winnt.MachineName(uint16(f.NtHeader.FileHeader.Machine)),
		Is64:    f.Is64,
	}
	for _, imp := range f.Imports {
		is := ImportSummary{DLL: imp.Name}
		for _, fn := range imp.Functions {
			if fn.ByOrdinal {
				is.Symbols = append(is.Symbols, fmt.Sprintf("#%d", fn.Ordinal))
			} else {
				is.Symbols = append(is.Symbols, fn.Name)
			}
		}
		s.Imports = append(s.Imports, is)
	}
	for _, e := range f.Export.Functions {
		s.Exports = append(s.Exports, ExportSummary{Name: e.Name, Ordinal: e.Ordinal, Forwarder: e.Forwarder})
	}
	return s, nil
}
