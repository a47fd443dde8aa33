// Package colorize renders IL and disassembly listings for the terminal.
package colorize

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss/v2"

	"bilift/internal/disasm"
	"bilift/internal/il"
)

// Enabled reports whether colors are allowed by the environment.
func Enabled() bool {
	return os.Getenv("BILIFT_NO_COLOR") == ""
}

// getAssemblyLexer returns an appropriate assembly lexer with fallbacks
func getAssemblyLexer() chroma.Lexer {
	for _, name := range []string{"gas", "GAS", "nasm"} {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getDisasmStyle returns the disassembly style with fallbacks
func getDisasmStyle() *chroma.Style {
	for _, name := range []string{DisasmDark.Name, "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// Assembly highlights one line of disassembly with the GAS lexer. On any
// failure the text is returned unchanged.
func Assembly(code string) string {
	lexer := getAssemblyLexer()
	if lexer == nil {
		return code
	}
	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getDisasmStyle(), iterator); err != nil {
		return code
	}
	return strings.TrimRight(buf.String(), "\n")
}

// Printer writes IL listings, colored or plain.
type Printer struct {
	Color bool

	label   lipgloss.Style
	special lipgloss.Style
	comment lipgloss.Style
	attr    lipgloss.Style
}

// NewPrinter returns a printer; color is further gated by Enabled.
func NewPrinter(color bool) *Printer {
	return &Printer{
		Color:   color && Enabled(),
		label:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD700")),
		special: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")).Bold(true),
		comment: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		attr:    lipgloss.NewStyle().Foreground(lipgloss.Color("#7C9C9D")),
	}
}

// Format writes stmts one per line. Without color the output is exactly
// that of il.Format.
func (p *Printer) Format(w io.Writer, stmts []il.Stmt) error {
	if !p.Color {
		return il.Format(w, stmts)
	}
	var sb strings.Builder
	for _, s := range stmts {
		if _, ok := s.(*il.Label); !ok {
			sb.WriteString("  ")
		}
		sb.WriteString(p.line(s))
		sb.WriteByte('\n')
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// Listing writes one disassembled instruction per line: address, length
// and text.
func (p *Printer) Listing(w io.Writer, insts disasm.Stream) error {
	var sb strings.Builder
	for _, in := range insts {
		text := in.Text
		addr := fmt.Sprintf("%#x", in.VA)
		if p.Color {
			text = Assembly(text)
			addr = p.label.Render(addr)
		}
		fmt.Fprintf(&sb, "%s  %2d  %s\n", addr, in.Len, text)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func (p *Printer) line(s il.Stmt) string {
	switch s := s.(type) {
	case *il.Label:
		out := p.label.Render("label " + s.ID.String())
		var rest il.Attrs
		for _, a := range s.Attrs {
			if asm, ok := a.(il.Asm); ok {
				out += "  " + Assembly(string(asm))
				continue
			}
			rest = append(rest, a)
		}
		return out + p.attr.Render(rest.String())
	case *il.Special:
		return p.special.Render((&il.Special{Desc: s.Desc}).String()) + p.attr.Render(s.Attrs.String())
	case *il.Comment:
		return p.comment.Render((&il.Comment{Text: s.Text}).String()) + p.attr.Render(s.Attrs.String())
	}
	return s.String()
}
