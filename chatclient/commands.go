package chatclient

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// CommandPrefix starts every command line.
const CommandPrefix = "/"

// CommandPrivateMessage is the name of the private message command.
const CommandPrivateMessage = "pm"

var (
	// ErrUnknownCommand is returned by Parse for a command name not in the
	// table.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrMissingParams is returned by Parse when a command has fewer
	// arguments than parameters.
	ErrMissingParams = errors.New("missing command parameters")
)

// Command describes one client command. Every parameter is required; the
// last one takes the rest of the line, spaces included.
type Command struct {
	Name   string
	Usage  string
	Params []string
}

// Input is a parsed input line: either chat text or a command invocation.
type Input struct {
	// Text is the chat message when the line is not a command.
	Text string
	// Command is the matched command, nil for chat text.
	Command *Command
	// Args holds one value per command parameter.
	Args []string
}

// IsCommand reports whether the input is a command invocation.
func (in Input) IsCommand() bool {
	return in.Command != nil
}

// CommandTable is the set of commands a client understands.
type CommandTable struct {
	commands []Command
}

// NewCommandTable creates a table holding cmds in the given order.
func NewCommandTable(cmds ...Command) *CommandTable {
	return &CommandTable{commands: append([]Command(nil), cmds...)}
}

// DefaultCommandTable returns the table with the private message command.
func DefaultCommandTable() *CommandTable {
	return NewCommandTable(Command{
		Name:   CommandPrivateMessage,
		Usage:  "<user> <message>",
		Params: []string{"user", "message"},
	})
}

// Commands returns the commands in the table.
func (t *CommandTable) Commands() []Command {
	return append([]Command(nil), t.commands...)
}

// Lookup returns the command called name.
func (t *CommandTable) Lookup(name string) (*Command, bool) {
	for i := range t.commands {
		if t.commands[i].Name == name {
			return &t.commands[i], true
		}
	}

	return nil, false
}

// Parse interprets one input line. A line starting with CommandPrefix is a
// command; anything else is chat text returned unchanged.
//
// Returns:
//   - The parsed input
//   - An error wrapping ErrUnknownCommand or ErrMissingParams
func (t *CommandTable) Parse(line string) (Input, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, CommandPrefix) {
		return Input{Text: line}, nil
	}

	rest := strings.TrimPrefix(line, CommandPrefix)
	name, rest := splitWord(rest)

	cmd, ok := t.Lookup(name)
	if !ok {
		return Input{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}

	args := make([]string, 0, len(cmd.Params))
	for i := range cmd.Params {
		var arg string
		if i == len(cmd.Params)-1 {
			arg = strings.TrimLeftFunc(rest, unicode.IsSpace)
		} else {
			arg, rest = splitWord(rest)
		}

		if strings.TrimSpace(arg) == "" {
			return Input{}, fmt.Errorf("%w: %s%s %s", ErrMissingParams, CommandPrefix, cmd.Name, cmd.Usage)
		}
		args = append(args, arg)
	}

	return Input{Command: cmd, Args: args}, nil
}

// Usage lists every command as "/name usage", one per line.
func (t *CommandTable) Usage() string {
	var b strings.Builder
	for _, cmd := range t.commands {
		b.WriteString(CommandPrefix)
		b.WriteString(cmd.Name)
		if cmd.Usage != "" {
			b.WriteByte(' ')
			b.WriteString(cmd.Usage)
		}
		b.WriteByte('\n')
	}

	return b.String()
}

// splitWord returns the first whitespace-delimited word of s and the
// remainder after the whitespace that ends it.
func splitWord(s string) (word, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}

	return s[:i], s[i:]
}
