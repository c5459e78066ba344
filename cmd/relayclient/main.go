package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cyberinferno/chatrelay/chatclient"
	"github.com/cyberinferno/chatrelay/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relayclient <host> <port> <nickname>",
		Short: "Chat through a relay",
		Long: "Connect to a chat relay as nickname. Lines typed are sent to everyone;\n" +
			"/pm <user> <message> sends a private message.",
		Args:         cobra.ExactArgs(3),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], args[1], args[2], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func run(ctx context.Context, host, port, nickname string, in io.Reader, out io.Writer) error {
	log := logger.NewZerologLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}), "relayclient", zerolog.WarnLevel)
	commands := chatclient.DefaultCommandTable()

	rejected := make(chan error, 1)
	client := chatclient.New(chatclient.DefaultConfig(net.JoinHostPort(host, port), nickname), log)
	client.OnFrame(func(e chatclient.FrameEvent) {
		fmt.Fprintln(out, e.Frame.Payload)
	})
	client.OnError(func(e chatclient.ErrorEvent) {
		if errors.Is(e.Error, chatclient.ErrRejected) {
			select {
			case rejected <- e.Error:
			default:
			}
		}
	})

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	fmt.Fprintf(out, "Client successfully connected to [%s, %s]\n", host, port)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-client.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-client.Done():
			select {
			case err := <-rejected:
				return err
			default:
			}

			fmt.Fprintln(out, "[Client]: Connection to server lost.")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}

			if err := handleLine(client, commands, line, out); err != nil {
				log.Warn("send failed", logger.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

func handleLine(client *chatclient.Client, commands *chatclient.CommandTable, line string, out io.Writer) error {
	if line == "" {
		return nil
	}

	input, err := commands.Parse(line)
	if errors.Is(err, chatclient.ErrUnknownCommand) || errors.Is(err, chatclient.ErrMissingParams) {
		fmt.Fprintf(out, "\nThe command you entered does not exist. Current commands are:\n%s", commands.Usage())
		return nil
	}
	if err != nil {
		return err
	}

	if !input.IsCommand() {
		return client.SendMessage(input.Text)
	}

	switch input.Command.Name {
	case chatclient.CommandPrivateMessage:
		return client.SendPrivate(input.Args[0], input.Args[1])
	default:
		return fmt.Errorf("command /%s has no handler", input.Command.Name)
	}
}
