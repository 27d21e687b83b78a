package summary

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Tools whose first non-flag argument is a verb worth showing
// ("git commit", "npm install").
var subcommandTools = map[string]bool{
	"git": true, "go": true, "npm": true, "pnpm": true, "yarn": true,
	"pip": true, "pip3": true, "uv": true, "poetry": true, "conda": true,
	"docker": true, "kubectl": true, "cargo": true, "jupyter": true,
	"apt": true, "apt-get": true, "brew": true,
}

// Shell prelude commands that never identify what a command line does.
var preludeCommands = map[string]bool{
	"cd": true, "export": true, "set": true, "true": true, "env": true,
}

// CommandLabel derives a short display label for a shell command line,
// e.g. "git commit" out of `cd /repo && git commit -m 'msg'`. It falls
// back to the first word when the line does not parse as shell.
func CommandLabel(command string) string {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return ""
	}

	parsed, err := parseCommands(trimmed)
	if err != nil || len(parsed) == 0 {
		return firstWord(trimmed)
	}

	pick := parsed[0]
	for _, cmd := range parsed {
		if !preludeCommands[cmd.name] {
			pick = cmd
			break
		}
	}

	if pick.subcommand != "" && subcommandTools[pick.name] {
		return pick.name + " " + pick.subcommand
	}
	return pick.name
}

type parsedCommand struct {
	name       string
	subcommand string
}

func parseCommands(command string) ([]parsedCommand, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, err
	}

	var commands []parsedCommand
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd, ok := extractCall(call); ok {
				commands = append(commands, cmd)
			}
		}
		return true
	})
	return commands, nil
}

func extractCall(call *syntax.CallExpr) (parsedCommand, bool) {
	if len(call.Args) == 0 {
		return parsedCommand{}, false
	}

	cmd := parsedCommand{name: wordToString(call.Args[0])}
	if cmd.name == "" {
		return parsedCommand{}, false
	}

	for _, arg := range call.Args[1:] {
		argStr := wordToString(arg)
		if argStr == "" || strings.HasPrefix(argStr, "-") {
			continue
		}
		cmd.subcommand = argStr
		break
	}
	return cmd, true
}

func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
