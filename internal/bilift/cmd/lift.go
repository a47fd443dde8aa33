package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"bilift/internal/disasm"
	"bilift/internal/il"
	"bilift/internal/lift"
	"bilift/internal/loader"
)

var liftCmd = &cobra.Command{
	Use:   "lift <binary>",
	Short: "Lift a binary's executable sections, or an address range, to IL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := openImage(cmd, args[0])
		if err != nil {
			return err
		}
		defer img.Close()

		l, err := lift.New(archOr(img.Arch), lift.WithLogger(charmLogger()))
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}

		start, hasStart, err := parseAddr(cmd, "start")
		if err != nil {
			return err
		}
		end, hasEnd, err := parseAddr(cmd, "end")
		if err != nil {
			return err
		}

		listing, _ := cmd.Flags().GetBool("listing")
		var stmts []il.Stmt
		switch {
		case hasStart || hasEnd:
			if !hasStart {
				start = img.Entry
			}
			if !hasEnd {
				sec, ok := img.SectionAt(start)
				if !ok {
					return fmt.Errorf("no section contains %#x; give --end", start)
				}
				end = sec.End()
			}
			if listing {
				return printer().Listing(cmd.OutOrStdout(), disasm.Disassemble(l.Backend(), img.ExecByte(), start, end))
			}
			if stmts, err = l.LiftRange(img, start, end); err != nil {
				return err
			}
		case listing:
			p := printer()
			for _, sec := range img.ExecSections() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s:\n", sec.Name)
				insts := disasm.Disassemble(l.Backend(), img.ExecByte(), sec.Addr, sec.End())
				if err := p.Listing(cmd.OutOrStdout(), insts); err != nil {
					return err
				}
			}
			return nil
		default:
			prog, err := l.LiftProgram(img)
			if err != nil {
				return err
			}
			stmts = prog.Stmts
			if stats, _ := cmd.Flags().GetBool("stats"); stats {
				for _, st := range prog.Sections {
					fmt.Fprintln(cmd.ErrOrStderr(), st)
				}
			}
		}
		return printer().Format(cmd.OutOrStdout(), stmts)
	},
}

var sectionsCmd = &cobra.Command{
	Use:   "sections <binary>",
	Short: "List the sections and symbols of a binary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := openImage(cmd, args[0])
		if err != nil {
			return err
		}
		defer img.Close()

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s %s entry %#x\n", img.Path, archOr(img.Arch), img.Entry)
		for _, s := range img.Sections {
			fmt.Fprintf(w, "  %-20s %#16x %#10x %s\n", s.Name, s.Addr, s.Size, s.Flags)
		}
		if syms, _ := cmd.Flags().GetBool("symbols"); syms {
			for _, s := range img.Symbols {
				fmt.Fprintf(w, "  %#16x %6d %s\n", s.Addr, s.Size, s.Demangled)
			}
		}
		return nil
	},
}

func openImage(cmd *cobra.Command, path string) (*loader.Image, error) {
	var opts []loader.Option
	base, ok, err := parseAddr(cmd, "base")
	if err != nil {
		return nil, err
	}
	if !ok && cfg.Base != 0 {
		base, ok = cfg.Base, true
	}
	if ok {
		opts = append(opts, loader.WithBase(base))
	}
	return loader.Open(path, opts...)
}

func init() {
	for _, c := range []*cobra.Command{liftCmd, sectionsCmd} {
		c.Flags().String("base", "", "Rebase the image so its lowest loaded section starts here")
	}
	liftCmd.Flags().String("start", "", "First address to lift (default: entry point)")
	liftCmd.Flags().String("end", "", "Address to stop lifting at (default: end of the start section)")
	liftCmd.Flags().BoolP("listing", "l", false, "Print the disassembly instead of IL")
	liftCmd.Flags().Bool("stats", false, "Print per-section statistics to stderr")
	sectionsCmd.Flags().BoolP("symbols", "s", false, "Also list symbols")
}
