package views

import "strings"

// dropRanges are codepoints tcell renders with the wrong cell width: skin
// tone modifiers, the zero width joiner and variation selectors.
var dropRanges = [][2]rune{
	{0x1F3FB, 0x1F3FF},
	{0x200D, 0x200D},
	{0xFE00, 0xFE0F},
	{0xE0100, 0xE01EF},
}

func dropRune(r rune) bool {
	for _, rg := range dropRanges {
		if r >= rg[0] && r <= rg[1] {
			return true
		}
	}
	return false
}

// sanitize strips the problem codepoints and escapes tview color tags.
func sanitize(s string) string {
	clean := strings.Map(func(r rune) rune {
		if dropRune(r) {
			return -1
		}
		return r
	}, s)
	return escape(clean)
}
