package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/chess10kp/dropshelf/internal/config"
	"github.com/chess10kp/dropshelf/internal/ipc"
	"github.com/chess10kp/dropshelf/internal/shelf"
)

var socketPath = config.DefaultConfig.IPC.SocketPath

func init() {
	if env := os.Getenv("DROPSHELF_SOCKET"); env != "" {
		socketPath = env
		return
	}
	// Try to load config to get custom socket path
	configPath := filepath.Join(os.Getenv("HOME"), ".config", "dropshelf", "config.toml")
	cfg, err := config.LoadConfig(configPath)
	if err == nil && cfg.IPC.SocketPath != "" {
		socketPath = cfg.IPC.SocketPath
	}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "help", "-h", "--help":
		printUsage()
		return
	}

	command, params, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	resp, err := ipc.Query(socketPath, command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\nIs dropshelf running?\n", err)
		os.Exit(1)
	}
	if !resp.Success {
		fmt.Fprintln(os.Stderr, errorStyle.Render("✗ "+orDefault(resp.Error, command+" failed")))
		os.Exit(1)
	}

	if err := render(command, resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseArgs maps the command line onto an IPC command.
func parseArgs(args []string) (string, *ipc.Params, error) {
	need := func(n int, usage string) error {
		if len(args) < n+1 {
			return fmt.Errorf("usage: dropshelf-client %s", usage)
		}
		return nil
	}

	switch args[0] {
	case "create":
		p := &ipc.Params{}
		for i := 1; i < len(args); i++ {
			switch args[i] {
			case "--pin":
				p.IsPinned = true
			case "--hidden":
				p.Hidden = true
			case "--at-pointer":
				p.AtPointer = true
			case "--dock":
				if i+1 >= len(args) {
					return "", nil, fmt.Errorf("--dock needs an edge")
				}
				i++
				p.DockEdge = args[i]
			default:
				return "", nil, fmt.Errorf("unknown create flag: %s", args[i])
			}
		}
		return ipc.CmdCreate, p, nil

	case "destroy", "show", "hide", "undock", "get":
		if err := need(1, args[0]+" <shelf-id>"); err != nil {
			return "", nil, err
		}
		return shelfCommands[args[0]], &ipc.Params{ShelfID: args[1]}, nil

	case "dock":
		if err := need(2, "dock <shelf-id> left|right|top|bottom"); err != nil {
			return "", nil, err
		}
		return ipc.CmdDock, &ipc.Params{ShelfID: args[1], Edge: args[2]}, nil

	case "add":
		if err := need(2, "add <shelf-id> <path>"); err != nil {
			return "", nil, err
		}
		path, err := filepath.Abs(args[2])
		if err != nil {
			return "", nil, err
		}
		return ipc.CmdAddItem, &ipc.Params{ShelfID: args[1], Path: path}, nil

	case "remove":
		if err := need(2, "remove <shelf-id> <item-id>"); err != nil {
			return "", nil, err
		}
		return ipc.CmdRemoveItem, &ipc.Params{ShelfID: args[1], ItemID: args[2]}, nil

	case "find":
		if err := need(2, "find <shelf-id> <query>"); err != nil {
			return "", nil, err
		}
		return ipc.CmdFindItems, &ipc.Params{ShelfID: args[1], Query: args[2]}, nil

	case "pin", "unpin":
		if err := need(1, args[0]+" <shelf-id>"); err != nil {
			return "", nil, err
		}
		pinned := args[0] == "pin"
		return ipc.CmdUpdateConfig, &ipc.Params{ShelfID: args[1], Config: &shelf.PartialConfig{IsPinned: &pinned}}, nil

	case "opacity":
		if err := need(2, "opacity <shelf-id> <0..1>"); err != nil {
			return "", nil, err
		}
		v, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return "", nil, fmt.Errorf("invalid opacity %q", args[2])
		}
		return ipc.CmdUpdateConfig, &ipc.Params{ShelfID: args[1], Config: &shelf.PartialConfig{Opacity: &v}}, nil

	case "list":
		return ipc.CmdList, nil, nil

	case "status":
		return ipc.CmdStatus, nil, nil
	}
	return "", nil, fmt.Errorf("unknown command: %s", args[0])
}

var shelfCommands = map[string]string{
	"destroy": ipc.CmdDestroy,
	"show":    ipc.CmdShow,
	"hide":    ipc.CmdHide,
	"undock":  ipc.CmdUndock,
	"get":     ipc.CmdGet,
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func printUsage() {
	fmt.Println("dropshelf-client - Control dropshelf from command line")
	fmt.Println()
	fmt.Println("Usage: dropshelf-client <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  create [--pin] [--hidden] [--at-pointer] [--dock EDGE]")
	fmt.Println("  destroy|show|hide|undock|get <shelf-id>")
	fmt.Println("  dock <shelf-id> left|right|top|bottom")
	fmt.Println("  add <shelf-id> <path>      Add a file or folder")
	fmt.Println("  remove <shelf-id> <item-id>")
	fmt.Println("  find <shelf-id> <query>    Fuzzy search a shelf's items")
	fmt.Println("  pin|unpin <shelf-id>")
	fmt.Println("  opacity <shelf-id> <0..1>")
	fmt.Println("  list                       List shelves")
	fmt.Println("  status                     Show gesture subsystem status")
	fmt.Println()
	fmt.Println("Socket path:", socketPath)
}
