// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package inspect recovers the trace-point table a binary was built with:
// it memory-maps an ELF file, enumerates the symbols planted in the
// .utrace_trace_points section to recover each trace point's assigned
// runtime id, and walks the binary's DWARF debug info to recover the
// source file and line each site was declared at.
package inspect

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/text/encoding/unicode"

	"github.com/tracekit/utrace/tlog"
	"github.com/tracekit/utrace/tracepoint"
)

// TracePointSectionName is the linker section a generated table's runtime
// ids are planted in: one zero-sized symbol per trace point, named for
// that point's JSON-encoded metadata and valued at its assigned id.
const TracePointSectionName = ".utrace_trace_points"

// MaxTracePoints is the largest number of trace points a single binary's
// generated table may assign ids for — the id byte range the section's
// symbol values must stay within.
const MaxTracePoints = 255

// Options configures File parsing.
type Options struct {
	// Logger receives diagnostic messages about trace-point entries whose
	// JSON metadata cannot be parsed while walking DWARF units; such
	// entries are skipped. DWARF data that cannot be read at all fails the
	// whole inspection.
	Logger tlog.Logger
}

// File is an open, memory-mapped ELF binary ready for trace-point
// inspection.
type File struct {
	f      *os.File
	data   mmap.MMap
	elf    *elf.File
	logger *tlog.Helper
}

// Open memory-maps name and parses its ELF headers. Call Close when done.
func Open(name string, opts *Options) (*File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("inspect: mmap %s: %w", name, err)
	}

	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("inspect: parse elf %s: %w", name, err)
	}

	var logger *tlog.Helper
	if opts != nil && opts.Logger != nil {
		logger = tlog.NewHelper(opts.Logger)
	} else {
		logger = tlog.Default()
	}

	return &File{f: f, data: data, elf: ef, logger: logger}, nil
}

// Close releases the mapping and underlying file descriptor.
func (fl *File) Close() error {
	fl.elf.Close()
	if err := fl.data.Unmap(); err != nil {
		fl.f.Close()
		return err
	}
	return fl.f.Close()
}

// runtimeIDs enumerates the symbols planted in the trace-point section,
// returning a map from each symbol's JSON-metadata name to its assigned
// runtime id (the symbol's value). An id at or above MaxTracePoints
// indicates the linker script allotted more slots than the section's id
// range allows and is reported as an error rather than silently truncated.
func (fl *File) runtimeIDs() (map[string]uint8, error) {
	section := fl.elf.Section(TracePointSectionName)
	if section == nil {
		return nil, fmt.Errorf("inspect: no %s section in binary", TracePointSectionName)
	}

	symbols, err := fl.elf.Symbols()
	if err != nil {
		return nil, fmt.Errorf("inspect: read symbol table: %w", err)
	}

	sectionIndex := sectionIndexOf(fl.elf, section)

	ids := make(map[string]uint8)
	for _, sym := range symbols {
		if int(sym.Section) != sectionIndex {
			continue
		}
		if sym.Value >= MaxTracePoints {
			return nil, fmt.Errorf("inspect: trace point %q has id %d, must be below %d (check linker script)", sym.Name, sym.Value, MaxTracePoints)
		}
		ids[sanitizeSymbolName(sym.Name)] = uint8(sym.Value)
	}
	return ids, nil
}

// sanitizeSymbolName defensively decodes a symbol or linkage name pulled
// from untrusted section data: a corrupted binary's string table can
// contain byte sequences that aren't valid UTF-8, which would otherwise
// reach json.Unmarshal as-is. Invalid sequences are replaced rather than
// rejected outright, so a single corrupted symbol degrades to an
// unparseable (and thus dropped) trace point instead of aborting the
// whole inspection.
func sanitizeSymbolName(raw string) string {
	decoder := unicode.UTF8.NewDecoder()
	clean, err := decoder.String(raw)
	if err != nil {
		return raw
	}
	return clean
}

func sectionIndexOf(ef *elf.File, target *elf.Section) int {
	for i, s := range ef.Sections {
		if s == target {
			return i
		}
	}
	return -1
}

// Locations walks every DWARF compilation unit looking for subprogram (or
// any DIE carrying DW_AT_linkage_name) entries whose linkage name decodes
// as trace-point JSON metadata matching one of the runtime ids recovered
// from the symbol table, recovering the declaring file and line for each
// match.
func (fl *File) Locations() (map[uint8]tracepoint.DataWithLocation, error) {
	ids, err := fl.runtimeIDs()
	if err != nil {
		return nil, err
	}

	dw, err := fl.elf.DWARF()
	if err != nil {
		return nil, fmt.Errorf("inspect: load dwarf: %w", err)
	}

	result := make(map[uint8]tracepoint.DataWithLocation)
	reader := dw.Reader()

	var unit *dwarf.Entry
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, fmt.Errorf("inspect: malformed dwarf: %w", err)
		}
		if entry == nil {
			break
		}
		if entry.Tag == dwarf.TagCompileUnit {
			unit = entry
		}

		rawLinkageName, ok := entry.Val(dwarf.AttrLinkageName).(string)
		if !ok {
			continue
		}
		linkageName := sanitizeSymbolName(rawLinkageName)

		id, known := ids[linkageName]
		if !known {
			continue
		}

		var info tracepoint.Info
		if err := json.Unmarshal([]byte(linkageName), &info); err != nil {
			fl.logger.Warnf("cannot parse trace point %d metadata: %v", id, err)
			continue
		}

		loc := tracepoint.DataWithLocation{Info: info}
		if lf, file, line, ok := declSite(dw, unit, entry); ok {
			loc.Path = &lf
			loc.FileName = &file
			loc.Line = &line
		}
		result[id] = loc
	}

	return result, nil
}

// declSite resolves a DIE's DW_AT_decl_file/DW_AT_decl_line attributes to
// a (directory, file name, line) triple using the owning compilation
// unit's line table, the same lookup a debugger performs to map an
// address back to source. unit must be entry's enclosing TagCompileUnit
// DIE — the line table's AttrStmtList attribute lives there, not on
// entry itself.
func declSite(dw *dwarf.Data, unit, entry *dwarf.Entry) (dir, file string, line uint64, ok bool) {
	if unit == nil {
		return "", "", 0, false
	}
	fileIdx, hasFile := entry.Val(dwarf.AttrDeclFile).(int64)
	lineNum, hasLine := entry.Val(dwarf.AttrDeclLine).(int64)
	if !hasFile || !hasLine {
		return "", "", 0, false
	}

	lr, err := dw.LineReader(unit)
	if err != nil || lr == nil {
		return "", "", 0, false
	}
	files := lr.Files()
	if fileIdx < 0 || int(fileIdx) >= len(files) || files[fileIdx] == nil {
		return "", "", 0, false
	}

	f := files[fileIdx]
	return filepath.Dir(f.Name), filepath.Base(f.Name), uint64(lineNum), true
}
