// Package forgefile parses the line-oriented Forgefile instruction format
// described in spec.md §4.5. Grounded on toy-docker's internal/build
// parseDockerfile, generalized from its three-verb subset to the full
// FROM/COPY/RUN/WORKDIR/ENV/ENTRYPOINT instruction set, and split out of the
// builder into its own package since it is a pure, independently-testable
// concern (tokenization only — apart from requiring the first instruction to
// be FROM, it does not validate build semantics).
package forgefile

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/forgehub/forge/internal/forgeerr"
	"github.com/forgehub/forge/internal/instruction"
)

var envKeyRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Parse reads a Forgefile from path and returns its parsed instruction
// stream, rooted at contextDir for COPY source resolution.
func Parse(path, contextDir string) (*instruction.Forgefile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, forgeerr.New(forgeerr.BuildParse, "read forgefile", err)
	}
	return ParseBytes(data, contextDir)
}

// ParseBytes parses Forgefile text already read into memory.
func ParseBytes(data []byte, contextDir string) (*instruction.Forgefile, error) {
	var out []instruction.Instruction

	for lineNo, raw := range strings.Split(string(data), "\n") {
		lineNo++ // 1-based
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		verb, remainder, ok := splitVerb(line)
		if !ok {
			return nil, forgeerr.New(forgeerr.BuildParse, fmt.Sprintf("forgefile line %d", lineNo),
				fmt.Errorf("missing instruction argument"))
		}

		instr, err := parseInstruction(verb, remainder, lineNo)
		if err != nil {
			return nil, err
		}
		out = append(out, instr)
	}

	if len(out) == 0 || out[0].Verb != instruction.From {
		return nil, forgeerr.New(forgeerr.BuildParse, "parse forgefile", fmt.Errorf("first instruction must be FROM"))
	}

	return &instruction.Forgefile{Instructions: out, ContextDir: contextDir}, nil
}

// splitVerb splits a non-empty, non-comment line on its first whitespace run
// into (verb, remainder). The verb is upper-cased for case-insensitive
// matching; remainder retains its original casing and whitespace.
func splitVerb(line string) (verb, remainder string, ok bool) {
	idx := strings.IndexFunc(line, func(r rune) bool { return r == ' ' || r == '\t' })
	if idx < 0 {
		return strings.ToUpper(line), "", true
	}
	return strings.ToUpper(line[:idx]), strings.TrimSpace(line[idx:]), true
}

func parseInstruction(verb, remainder string, lineNo int) (instruction.Instruction, error) {
	base := instruction.Instruction{Line: lineNo}
	op := fmt.Sprintf("forgefile line %d", lineNo)

	switch instruction.Verb(verb) {
	case instruction.From:
		if remainder == "" {
			return base, forgeerr.New(forgeerr.BuildParse, op, fmt.Errorf("FROM requires an image reference"))
		}
		base.Verb = instruction.From
		base.Image = remainder
		return base, nil

	case instruction.Copy:
		fields := strings.Fields(remainder)
		if len(fields) != 2 {
			return base, forgeerr.New(forgeerr.BuildParse, op, fmt.Errorf("COPY requires exactly two arguments"))
		}
		base.Verb = instruction.Copy
		base.Src, base.Dest = fields[0], fields[1]
		return base, nil

	case instruction.Run:
		if remainder == "" {
			return base, forgeerr.New(forgeerr.BuildParse, op, fmt.Errorf("RUN requires a command"))
		}
		base.Verb = instruction.Run
		base.Command = remainder
		return base, nil

	case instruction.Workdir:
		if remainder == "" {
			return base, forgeerr.New(forgeerr.BuildParse, op, fmt.Errorf("WORKDIR requires a path"))
		}
		base.Verb = instruction.Workdir
		base.Path = remainder
		return base, nil

	case instruction.Env:
		key, value, err := parseEnv(remainder)
		if err != nil {
			return base, forgeerr.New(forgeerr.BuildParse, op, err)
		}
		base.Verb = instruction.Env
		base.Key, base.Value = key, value
		return base, nil

	case instruction.Entrypoint:
		var args []string
		if err := json.Unmarshal([]byte(remainder), &args); err != nil {
			return base, forgeerr.New(forgeerr.BuildParse, op,
				fmt.Errorf("ENTRYPOINT must be a JSON array of strings: %w", err))
		}
		if len(args) == 0 {
			return base, forgeerr.New(forgeerr.BuildParse, op, fmt.Errorf("ENTRYPOINT must not be empty"))
		}
		base.Verb = instruction.Entrypoint
		base.Args = args
		return base, nil

	default:
		return base, forgeerr.New(forgeerr.BuildParse, op, fmt.Errorf("unknown instruction %q", verb))
	}
}

// parseEnv accepts both "KEY=VALUE" and "KEY VALUE" forms.
func parseEnv(remainder string) (key, value string, err error) {
	if idx := strings.IndexByte(remainder, '='); idx >= 0 {
		key, value = remainder[:idx], remainder[idx+1:]
	} else if fields := strings.Fields(remainder); len(fields) == 2 {
		key, value = fields[0], fields[1]
	} else {
		return "", "", fmt.Errorf("ENV requires KEY=VALUE or KEY VALUE")
	}

	if !envKeyRE.MatchString(key) {
		return "", "", fmt.Errorf("ENV key %q is not a valid identifier", key)
	}
	return key, value, nil
}
