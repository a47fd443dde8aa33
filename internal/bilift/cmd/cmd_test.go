package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"bilift/internal/config"
	"bilift/internal/loader"
)

// run executes the root command with args and fresh flag values.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfg = config.Default()
	reset := func(fs *pflag.FlagSet) {
		fs.VisitAll(func(f *pflag.Flag) {
			f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}
	var walk func(c *cobra.Command)
	walk = func(c *cobra.Command) {
		reset(c.Flags())
		reset(c.PersistentFlags())
		for _, sub := range c.Commands() {
			walk(sub)
		}
	}
	walk(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

const jsonTrace = `{"modload":{"name":"a.out","low":4194304,"high":4198400}}
{"std":{"addr":4198400,"tid":1,"raw":"4801d8","operands":[{"name":"RAX","bits":64,"value":"0100000000000000","usage":"rw","taint":{"state":"id","id":3}}]}}
{"std":{"addr":4198403,"tid":1,"raw":"c3"}}
{"end":{}}
`

func writeTrace(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.jsonl")
	if err := os.WriteFile(path, []byte(jsonTrace), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTraceJSON(t *testing.T) {
	out, err := run(t, "trace", "--json", "--arch", "x86_64", "--no-color", writeTrace(t))
	if err != nil {
		t.Fatalf("trace: %v\n%s", err, out)
	}
	for _, want := range []string{
		"Loaded module 'a.out' at 0x400000 to 0x401000",
		"label addr 0x401000",
		"tid 1",
		"taint 3",
		"label addr 0x401003",
		"This is the end of the trace",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestTraceJSONNeedsArch(t *testing.T) {
	if _, err := run(t, "trace", "--json", writeTrace(t)); err == nil {
		t.Error("JSON trace without --arch accepted")
	}
}

func TestConvertThenTrace(t *testing.T) {
	bin := filepath.Join(t.TempDir(), "run.bilt")
	if out, err := run(t, "convert", "--arch", "amd64", writeTrace(t), bin); err != nil {
		t.Fatalf("convert: %v\n%s", err, out)
	}
	out, err := run(t, "trace", "--batch", "1", bin)
	if err != nil {
		t.Fatalf("trace: %v\n%s", err, out)
	}
	if got := strings.Count(out, "label addr"); got != 2 {
		t.Errorf("got %d instruction blocks, want 2:\n%s", got, out)
	}

	if _, err := run(t, "trace", "--arch", "arm64", bin); err == nil {
		t.Error("architecture mismatch accepted")
	}
}

func TestSchemaCommand(t *testing.T) {
	out, err := run(t, "schema")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"batch"`) {
		t.Errorf("schema output:\n%s", out)
	}
}

func TestSections(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs an ELF test binary")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	out, err := run(t, "sections", exe)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, ".text") {
		t.Errorf("sections output lacks .text:\n%s", out)
	}
}

func TestBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bilift.json")
	os.WriteFile(path, []byte(`{"arch":"sparc"}`), 0o644)
	if _, err := run(t, "schema", "--config", path); err == nil {
		t.Error("invalid config accepted")
	}
}

func TestLiftListing(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs an ELF test binary")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	img, err := loader.Open(exe)
	if err != nil {
		t.Fatal(err)
	}
	entry := img.Entry
	img.Close()

	start := fmt.Sprintf("%#x", entry)
	out, err := run(t, "lift", "--listing", "--start", start, "--end", fmt.Sprintf("%#x", entry+32), exe)
	if err != nil {
		t.Fatalf("lift --listing: %v\n%s", err, out)
	}
	if !strings.HasPrefix(out, start+" ") {
		t.Errorf("listing does not start at the entry point:\n%s", out)
	}
	if strings.Contains(out, "label addr") {
		t.Errorf("listing printed IL:\n%s", out)
	}
}
