// Package shellcheck parses bash scripts with mvdan.cc/sh/v3/syntax before
// they are handed to a shell, so syntax errors surface without spawning a
// process and callers can inspect which commands a script would run.
package shellcheck

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// SyntaxError reports the first parse failure of a script.
type SyntaxError struct {
	Line int
	Col  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d:%d: %s", e.Line, e.Col, e.Msg)
}

func parse(script string) (*syntax.File, error) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(true))
	f, err := parser.Parse(strings.NewReader(script), "")
	if err != nil {
		var pe syntax.ParseError
		if errors.As(err, &pe) {
			return nil, &SyntaxError{Line: int(pe.Pos.Line()), Col: int(pe.Pos.Col()), Msg: pe.Text}
		}
		return nil, &SyntaxError{Msg: err.Error()}
	}
	return f, nil
}

// Check returns a *SyntaxError when script is not valid bash.
func Check(script string) error {
	_, err := parse(script)
	return err
}

// Format returns script in canonical shfmt layout. An unparsable script is
// returned unchanged together with its syntax error.
func Format(script string) (string, error) {
	f, err := parse(script)
	if err != nil {
		return script, err
	}
	var buf bytes.Buffer
	printer := syntax.NewPrinter(syntax.Indent(2), syntax.BinaryNextLine(true), syntax.SpaceRedirects(true))
	if err := printer.Print(&buf, f); err != nil {
		return script, fmt.Errorf("failed to print script: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// Commands returns the sorted, de-duplicated base names of every command a
// script invokes by a literal name. Dynamic command words are skipped.
func Commands(script string) ([]string, error) {
	f, err := parse(script)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	syntax.Walk(f, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		if name := call.Args[0].Lit(); name != "" {
			seen[path.Base(name)] = struct{}{}
		}
		return true
	})
	cmds := make([]string, 0, len(seen))
	for c := range seen {
		cmds = append(cmds, c)
	}
	sort.Strings(cmds)
	return cmds, nil
}
