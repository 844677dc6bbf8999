package wire

import "unicode/utf16"

// CursorPosToBytePos converts a cursor_pos field from complete_request or
// inspect_request -- a position counted in UTF-16 code units, per the
// Jupyter messaging spec -- into a byte offset into cellContent as Go sees
// it (UTF-8).
//
// Grounded on the teacher's kernel.CursorPosToBytePos (kernel/encoding.go).
func CursorPosToBytePos(cellContent string, cursorPosUTF16 int) int {
	utf16Pos := 0
	for bytePos, r := range cellContent {
		if utf16Pos >= cursorPosUTF16 {
			return bytePos
		}
		utf16Pos += len(utf16.Encode([]rune{r}))
	}
	return len(cellContent)
}
