package asm

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Line is one entry of an assembly listing. Lines with a Label and no Text
// mark symbol definitions.
type Line struct {
	Offset uint64
	Bytes  []byte
	Text   string
	Label  string
}

const listingBytesWidth = 30

// WriteListing renders lines as aligned offset, byte and text columns.
// Overlong byte columns are truncated with an ellipsis.
func WriteListing(w io.Writer, lines []Line) error {
	bw := bufio.NewWriter(w)
	for _, l := range lines {
		if l.Label != "" && l.Text == "" {
			if _, err := fmt.Fprintf(bw, "%s:\n", l.Label); err != nil {
				return err
			}
			continue
		}
		raw := spacedHex(l.Bytes)
		raw = ansi.Truncate(raw, listingBytesWidth, "…")
		pad := listingBytesWidth - ansi.StringWidth(raw)
		if pad < 0 {
			pad = 0
		}
		if _, err := fmt.Fprintf(bw, "  %6x:  %s%s  %s\n", l.Offset, raw, strings.Repeat(" ", pad), l.Text); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func spacedHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	enc := hex.EncodeToString(b)
	var sb strings.Builder
	for idx := 0; idx < len(enc); idx += 2 {
		if idx > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(enc[idx : idx+2])
	}
	return sb.String()
}
