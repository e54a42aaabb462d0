package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
		return
	case "query":
		err = runQuery(ctx, os.Args[2:], os.Stdout)
	case "subscribe":
		err = runSubscribe(ctx, os.Args[2:], os.Stdout)
	case "encrypt":
		err = runEncrypt(os.Args[2:], os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'gqlclient --help' for usage information.\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`gqlclient - GraphQL over graphql-ws and HTTP

USAGE:
    gqlclient COMMAND [FLAGS]

COMMANDS:
    query       Run a query or mutation and print the response
    subscribe   Start a subscription and print each event until interrupted
    encrypt     Encrypt a header value for the config file

FLAGS:
    --config PATH        Config file path (default: ./gqlclient.yaml)
    --query TEXT         Operation document
    --file PATH          Read the operation document from a file
    --vars JSON          Variables as a JSON object
    --operation NAME     Operation name
    --header NAME=VALUE  Session header, repeatable
    --transport KIND     websocket or http (query only)
    --count N            Stop a subscription after N events

CONFIGURATION:
    Environment: GQLCLIENT_* variables override the config file
    Secrets:     header values prefixed "enc:" are decrypted with GQLCLIENT_CONFIG_KEY

EXAMPLES:
    gqlclient query --query '{ viewer { login } }' --header Authorization='Bearer t'
    gqlclient subscribe --file ticks.graphql --count 10
    GQLCLIENT_CONFIG_KEY=pass gqlclient encrypt 'Bearer secret'`)
}
