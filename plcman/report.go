package plcman

import (
	"fmt"
	"strings"
)

// Report renders a readable status report. Level 0 lists PLCs and
// counters, level 1 adds per-list statistics, level 2 adds per-tag
// state.
func (r *Registry) Report(level int) string {
	var sb strings.Builder

	status := r.Status()
	fmt.Fprintf(&sb, "scan registry: %d PLC(s)\n", len(status))

	for _, p := range status {
		state := "disconnected"
		if p.Connected {
			state = "connected"
		}
		fmt.Fprintf(&sb, "PLC %q %s slot %d: %s, errors %d, slow scans %d\n",
			p.Name, p.Host, p.Slot, state, p.Errors, p.SlowScans)
		if p.Identity != "" {
			fmt.Fprintf(&sb, "  identity: %s\n", p.Identity)
		}
		if level < 1 {
			continue
		}
		for _, sl := range p.Lists {
			fmt.Fprintf(&sb, "  list %v: %d tag(s), errors %d, scan last/min/max %v/%v/%v\n",
				sl.Period, len(sl.Tags), sl.Errors, sl.LastScan, sl.MinScan, sl.MaxScan)
			if level < 2 {
				continue
			}
			for _, t := range sl.Tags {
				line := fmt.Sprintf("    %q elements %d", t.Name, t.Elements)
				if t.Valid {
					line += fmt.Sprintf(" = %v (%s)", t.Value, t.Type)
				} else {
					line += " (no valid data)"
				}
				if t.WritePending {
					line += " [write pending]"
				}
				if t.Error != "" {
					line += " error: " + t.Error
				}
				sb.WriteString(line + "\n")
			}
		}
	}
	return sb.String()
}

// Dump renders every tag's raw value buffer in hex, the low-level
// view for protocol debugging.
func (r *Registry) Dump() string {
	var sb strings.Builder

	r.mu.RLock()
	plcs := append([]*PLC(nil), r.plcs...)
	r.mu.RUnlock()

	for _, p := range plcs {
		fmt.Fprintf(&sb, "PLC %q\n", p.Name())
		for _, t := range p.Tags() {
			v := t.Snapshot()
			rReq, rResp, wReq, wResp := t.Sizes()
			fmt.Fprintf(&sb, "  %q sizes r=%d/%d w=%d/%d", t.Name(), rReq, rResp, wReq, wResp)
			if !v.Valid() {
				sb.WriteString(" invalid\n")
				continue
			}
			fmt.Fprintf(&sb, " type 0x%04X data %X\n", v.DataType, v.Bytes)
		}
	}
	return sb.String()
}
