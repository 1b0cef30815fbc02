package tasks

import (
	"errors"
	"fmt"
	"strings"
)

// Verb is the operation a task performs
type Verb string

const (
	VerbDelete Verb = "delete"
	VerbRename Verb = "rename"
	VerbMove   Verb = "move"
	VerbCopy   Verb = "copy"
)

var (
	// ErrUnknownVerb is returned for a command whose verb is not supported
	ErrUnknownVerb = errors.New("unknown verb")
	// ErrMalformedCommand is returned for a command with missing or extra arguments
	ErrMalformedCommand = errors.New("malformed task command")
)

// Command is one parsed task line
type Command struct {
	Verb        Verb
	Pattern     string
	Destination string
}

// NeedsDestination reports whether v takes a destination argument
func (v Verb) NeedsDestination() bool {
	return v == VerbRename || v == VerbMove || v == VerbCopy
}

// Parse splits "<verb> <pattern> [destination]" into a Command
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Command{}, fmt.Errorf("%w: %q", ErrMalformedCommand, line)
	}

	cmd := Command{Verb: Verb(strings.ToLower(fields[0])), Pattern: fields[1]}
	switch cmd.Verb {
	case VerbDelete:
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("%w: delete takes only a pattern: %q", ErrMalformedCommand, line)
		}
	case VerbRename, VerbMove, VerbCopy:
		if len(fields) != 3 {
			return Command{}, fmt.Errorf("%w: %s takes a pattern and a destination: %q", ErrMalformedCommand, cmd.Verb, line)
		}
		cmd.Destination = fields[2]
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownVerb, fields[0])
	}
	return cmd, nil
}

// String formats the command back into its task line
func (c Command) String() string {
	if c.Verb.NeedsDestination() {
		return fmt.Sprintf("%s %s %s", c.Verb, c.Pattern, c.Destination)
	}
	return fmt.Sprintf("%s %s", c.Verb, c.Pattern)
}
