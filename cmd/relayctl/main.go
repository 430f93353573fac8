// Command relayctl is a small command line client for the relay.
//
// Usage:
//
//	relayctl register -u alice -p secret1
//	relayctl login    -u alice -p secret1
//	relayctl listen   -token <jwt>
//	relayctl send     -token <jwt> -to <userId> -text "hi"
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/relay/internal/client"
)

const defaultURL = "ws://localhost:4040/ws"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "register":
		err = runAuth(os.Args[2:], client.Register)
	case "login":
		err = runAuth(os.Args[2:], client.Login)
	case "listen":
		err = runListen(os.Args[2:])
	case "send":
		err = runSend(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: relayctl <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  register    Create an account and print its token")
	fmt.Println("  login       Log in and print a token")
	fmt.Println("  listen      Connect and print presence updates and messages")
	fmt.Println("  send        Connect, send one message and exit")
	fmt.Println()
	fmt.Println("Run 'relayctl <command> -h' for command-specific options.")
}

type authFunc func(ctx context.Context, baseURL, username, password string) (string, error)

func runAuth(args []string, fn authFunc) error {
	fs := flag.NewFlagSet("auth", flag.ExitOnError)
	url := fs.String("url", defaultURL, "relay WebSocket URL")
	username := fs.String("u", "", "username")
	password := fs.String("p", "", "password")
	fs.Parse(args)

	if *username == "" || *password == "" {
		return errors.New("-u and -p are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	token, err := fn(ctx, client.HTTPBase(*url), *username, *password)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runListen(args []string) error {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	url := fs.String("url", defaultURL, "relay WebSocket URL")
	token := fs.String("token", os.Getenv("RELAY_TOKEN"), "token (defaults to $RELAY_TOKEN)")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, *url, *token)
	if err != nil {
		return err
	}
	defer c.Close()

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-c.Events():
			if !ok {
				return c.Err()
			}
			if ev.Message != nil {
				_ = enc.Encode(ev.Message)
			} else {
				_ = enc.Encode(map[string]any{"online": ev.Presence})
			}
		}
	}
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	url := fs.String("url", defaultURL, "relay WebSocket URL")
	token := fs.String("token", os.Getenv("RELAY_TOKEN"), "token (defaults to $RELAY_TOKEN)")
	to := fs.String("to", "", "recipient user id")
	text := fs.String("text", "", "message text")
	fs.Parse(args)

	if *to == "" || *text == "" {
		return errors.New("-to and -text are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, *url, *token)
	if err != nil {
		return err
	}
	defer c.Close()

	// The first presence frame confirms the relay attached us.
	select {
	case _, ok := <-c.Events():
		if !ok {
			return c.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Send(*to, *text)
}
