package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"graphql-client/internal/domain"
)

const defaultConfigPath = "gqlclient.yaml"

// cliFlags holds the flags shared by query and subscribe.
type cliFlags struct {
	ConfigPath string
	Query      string
	File       string
	Vars       string
	Operation  string
	Transport  string
	Headers    map[string]string
	Count      int
	Args       []string // positional arguments
}

// parseFlags reads --name value and --name=value pairs from args.
func parseFlags(args []string) (cliFlags, error) {
	flags := cliFlags{ConfigPath: configPath()}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			flags.Args = append(flags.Args, arg)
			continue
		}
		name, value, inline := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !inline {
			if i+1 >= len(args) {
				return flags, fmt.Errorf("flag --%s needs a value", name)
			}
			i++
			value = args[i]
		}

		switch name {
		case "config":
			flags.ConfigPath = value
		case "query":
			flags.Query = value
		case "file":
			flags.File = value
		case "vars":
			flags.Vars = value
		case "operation":
			flags.Operation = value
		case "transport":
			flags.Transport = value
		case "header":
			k, v, ok := strings.Cut(value, "=")
			if !ok || strings.TrimSpace(k) == "" {
				return flags, fmt.Errorf("--header wants NAME=VALUE, got %q", value)
			}
			if flags.Headers == nil {
				flags.Headers = make(map[string]string)
			}
			flags.Headers[strings.TrimSpace(k)] = v
		case "count":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return flags, fmt.Errorf("--count wants a non-negative integer, got %q", value)
			}
			flags.Count = n
		default:
			return flags, fmt.Errorf("unknown flag --%s", name)
		}
	}
	return flags, nil
}

// request builds the operation from --query or --file plus --vars.
func (f cliFlags) request() (domain.Request, error) {
	req := domain.Request{Query: f.Query, OperationName: f.Operation}
	if f.File != "" {
		data, err := os.ReadFile(f.File)
		if err != nil {
			return req, fmt.Errorf("read query file: %w", err)
		}
		req.Query = string(data)
	}
	if strings.TrimSpace(req.Query) == "" {
		return req, fmt.Errorf("--query or --file is required")
	}
	if f.Vars != "" {
		if err := json.Unmarshal([]byte(f.Vars), &req.Variables); err != nil {
			return req, fmt.Errorf("parse --vars: %w", err)
		}
	}
	return req, nil
}

func configPath() string {
	if p := os.Getenv("GQLCLIENT_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}
