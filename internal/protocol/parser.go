// Package protocol implements the line-oriented text protocol: tokenizing
// and validating commands, dispatching them to the core, and shaping the
// OK/ERROR response envelope.
//
// © 2025 nvecd authors. MIT License.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nvecd/nvecd/internal/similarity"
)

// CommandType enumerates the protocol verbs.
type CommandType int

const (
	CmdUnknown CommandType = iota
	CmdEvent
	CmdVecset
	CmdSim
	CmdSimv
	CmdInfo
	CmdConfig
	CmdDump
	CmdDebug
	CmdCache
	CmdSet
	CmdShow
)

// Command is one parsed request.
type Command struct {
	Type CommandType
	Name string // original verb, uppercased

	Ctx    string
	ID     string
	Score  int64
	K      int
	Mode   similarity.Mode
	Vector []float32

	Sub   string // subcommand for CONFIG/DUMP/CACHE (uppercased)
	Path  string // optional path argument
	On    bool   // DEBUG ON|OFF
	Value string // SET value
}

// SyntaxError is a protocol-level parse failure; the dispatcher renders it
// as a single ERROR line.
type SyntaxError struct{ Message string }

func (e *SyntaxError) Error() string { return e.Message }

func syntaxErrf(format string, args ...any) error {
	return &SyntaxError{Message: fmt.Sprintf(format, args...)}
}

// Parse tokenizes one request line. defaultTopK fills in k when SIM is
// called without one.
func Parse(line string, defaultTopK int) (*Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, syntaxErrf("Empty command")
	}
	verb := strings.ToUpper(fields[0])
	args := fields[1:]

	cmd := &Command{Name: verb}
	switch verb {
	case "EVENT":
		cmd.Type = CmdEvent
		if len(args) != 3 {
			return nil, syntaxErrf("EVENT requires <ctx> <id> <score>")
		}
		cmd.Ctx, cmd.ID = args[0], args[1]
		score, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return nil, syntaxErrf("Invalid score: %s", args[2])
		}
		cmd.Score = score

	case "VECSET":
		cmd.Type = CmdVecset
		if len(args) < 2 {
			return nil, syntaxErrf("VECSET requires <id> <f1> ... <fN>")
		}
		cmd.ID = args[0]
		vec, err := parseVector(args[1:])
		if err != nil {
			return nil, err
		}
		cmd.Vector = vec

	case "SIM":
		cmd.Type = CmdSim
		if len(args) < 1 {
			return nil, syntaxErrf("SIM requires <id> <k> [using=vectors|events|fusion]")
		}
		cmd.ID = args[0]
		cmd.K = defaultTopK
		cmd.Mode = similarity.ModeFusion
		rest := args[1:]
		if len(rest) > 0 && !strings.Contains(rest[0], "=") {
			k, err := strconv.Atoi(rest[0])
			if err != nil || k < 1 {
				return nil, syntaxErrf("Invalid k: %s", rest[0])
			}
			cmd.K = k
			rest = rest[1:]
		}
		for _, opt := range rest {
			mode, err := parseUsing(opt)
			if err != nil {
				return nil, err
			}
			cmd.Mode = mode
		}

	case "SIMV":
		cmd.Type = CmdSimv
		if len(args) < 2 {
			return nil, syntaxErrf("SIMV requires <k> <f1> ... <fN>")
		}
		k, err := strconv.Atoi(args[0])
		if err != nil || k < 1 {
			return nil, syntaxErrf("Invalid k: %s", args[0])
		}
		cmd.K = k
		cmd.Mode = similarity.ModeVectors
		vec, err := parseVector(args[1:])
		if err != nil {
			return nil, err
		}
		cmd.Vector = vec

	case "INFO":
		cmd.Type = CmdInfo
		if len(args) != 0 {
			return nil, syntaxErrf("INFO takes no arguments")
		}

	case "CONFIG":
		cmd.Type = CmdConfig
		if len(args) < 1 {
			return nil, syntaxErrf("CONFIG requires HELP|SHOW|VERIFY [path]")
		}
		cmd.Sub = strings.ToUpper(args[0])
		switch cmd.Sub {
		case "HELP", "SHOW":
			if len(args) != 1 {
				return nil, syntaxErrf("CONFIG %s takes no arguments", cmd.Sub)
			}
		case "VERIFY":
			if len(args) > 2 {
				return nil, syntaxErrf("CONFIG VERIFY takes at most one path")
			}
			if len(args) == 2 {
				cmd.Path = args[1]
			}
		default:
			return nil, syntaxErrf("Unknown CONFIG subcommand: %s", args[0])
		}

	case "DUMP":
		cmd.Type = CmdDump
		if len(args) < 1 {
			return nil, syntaxErrf("DUMP requires SAVE|LOAD|VERIFY|INFO [path]")
		}
		cmd.Sub = strings.ToUpper(args[0])
		switch cmd.Sub {
		case "SAVE", "LOAD", "VERIFY", "INFO":
			if len(args) > 2 {
				return nil, syntaxErrf("DUMP %s takes at most one path", cmd.Sub)
			}
			if len(args) == 2 {
				cmd.Path = args[1]
			}
		default:
			return nil, syntaxErrf("Unknown DUMP subcommand: %s", args[0])
		}

	case "DEBUG":
		cmd.Type = CmdDebug
		if len(args) != 1 {
			return nil, syntaxErrf("DEBUG requires ON|OFF")
		}
		switch strings.ToUpper(args[0]) {
		case "ON":
			cmd.On = true
		case "OFF":
			cmd.On = false
		default:
			return nil, syntaxErrf("DEBUG requires ON|OFF")
		}

	case "CACHE":
		cmd.Type = CmdCache
		if len(args) != 1 {
			return nil, syntaxErrf("CACHE requires STATS|CLEAR|ENABLE|DISABLE")
		}
		cmd.Sub = strings.ToUpper(args[0])
		switch cmd.Sub {
		case "STATS", "CLEAR", "ENABLE", "DISABLE":
		default:
			return nil, syntaxErrf("Unknown CACHE subcommand: %s", args[0])
		}

	case "SET":
		cmd.Type = CmdSet
		if len(args) != 2 {
			return nil, syntaxErrf("SET requires <variable> <value>")
		}
		cmd.ID, cmd.Value = args[0], args[1]

	case "SHOW":
		cmd.Type = CmdShow
		if len(args) > 1 {
			return nil, syntaxErrf("SHOW takes at most one prefix")
		}
		if len(args) == 1 {
			cmd.ID = args[0]
		}

	default:
		cmd.Type = CmdUnknown
	}
	return cmd, nil
}

func parseVector(tokens []string) ([]float32, error) {
	vec := make([]float32, len(tokens))
	for i, tok := range tokens {
		f, err := strconv.ParseFloat(tok, 32)
		if err != nil {
			return nil, syntaxErrf("Invalid vector component: %s", tok)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

func parseUsing(opt string) (similarity.Mode, error) {
	key, value, found := strings.Cut(opt, "=")
	if !found || !strings.EqualFold(key, "using") {
		return "", syntaxErrf("Unknown option: %s", opt)
	}
	switch strings.ToLower(value) {
	case "vectors":
		return similarity.ModeVectors, nil
	case "events":
		return similarity.ModeEvents, nil
	case "fusion":
		return similarity.ModeFusion, nil
	default:
		return "", syntaxErrf("Unknown search mode: %s", value)
	}
}
