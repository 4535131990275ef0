package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"golang.org/x/term"
)

const shellPrefix = "timestore> "

// shell reads commands from in until exit, EOF or ctx is done. A terminal
// gets the interactive prompt; anything else is read line by line.
func (c *cli) shell(ctx context.Context, in *os.File) error {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return c.lines(ctx, in)
	}

	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		c.width = w
	}
	return c.interactive(ctx, fd)
}

func (c *cli) interactive(ctx context.Context, fd int) error {
	state, err := term.GetState(fd)
	if err != nil {
		return fmt.Errorf("read terminal state: %w", err)
	}

	// The prompt owns the terminal in raw mode while it waits for input,
	// so a signal has to restore it before the process goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			term.Restore(fd, state)
			fmt.Fprintln(c.out)
			if c.interrupt != nil {
				c.interrupt()
			}
		case <-done:
		}
	}()

	fmt.Fprintf(c.out, "collection %s, type help for commands, exit to quit\n", c.col.Name())

	var history []string
	for ctx.Err() == nil {
		line := prompt.Input(shellPrefix, c.complete,
			prompt.OptionTitle("timestorectl"),
			prompt.OptionHistory(history),
			prompt.OptionPrefixTextColor(prompt.Cyan),
		)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		history = append(history, line)

		if err := c.execLine(ctx, line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
	return nil
}

// lines runs one command per input line. Errors are printed and do not
// stop the loop.
func (c *cli) lines(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if err := c.execLine(ctx, line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
	return sc.Err()
}

func (c *cli) execLine(ctx context.Context, line string) error {
	args, err := splitArgs(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	switch args[0] {
	case "exit", "quit":
		return errExit
	case "shell":
		return errors.New("already in the shell")
	}
	return c.exec(ctx, args)
}

func (c *cli) complete(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}

	cmds := c.commands()
	s := make([]prompt.Suggest, 0, len(cmds)+1)
	for _, cmd := range cmds {
		s = append(s, prompt.Suggest{Text: cmd.name, Description: cmd.help})
	}
	s = append(s, prompt.Suggest{Text: "exit", Description: "leave the shell"})
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}
