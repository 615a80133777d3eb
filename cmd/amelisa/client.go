package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ergochat/readline"
	"github.com/spf13/cobra"

	"github.com/gitter-badger/amelisa"
	"github.com/gitter-badger/amelisa/utils"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("add"),
	readline.PcItem("set"),
	readline.PcItem("del"),
	readline.PcItem("get"),
	readline.PcItem("sub"),
	readline.PcItem("unsub"),
	readline.PcItem("query"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func clientCommand() *cobra.Command {
	var (
		addr    string
		source  string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "connect to a server and mutate documents interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			log := utils.NewDefaultLogger(level)

			ctx := signalContext()
			model, n, err := amelisa.DialModel(ctx, log, addr, amelisa.ModelOptions{Source: source})
			if err != nil {
				return err
			}
			defer n.Close()
			defer model.Close()

			return repl(model)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "tcp://127.0.0.1:8745", "server address")
	cmd.Flags().StringVar(&source, "source", "", "client source id")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func repl(model *amelisa.Model) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".amelisa_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	rl.CaptureExitSignal()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		args := strings.Fields(strings.TrimSpace(line))
		if len(args) == 0 {
			continue
		}
		cmd, args := args[0], args[1:]

		switch cmd {
		case "exit", "quit":
			return nil
		case "help":
			fmt.Println("add <collection> <json>")
			fmt.Println("set <collection> <docId> <field> <json>")
			fmt.Println("del <collection> <docId> [field]")
			fmt.Println("get <collection> <docId> [field]")
			fmt.Println("sub <collection> <docId>")
			fmt.Println("unsub <collection> <docId>")
			fmt.Println("query <collection> <json-expression>")
			err = nil
		case "add":
			err = replAdd(model, args)
		case "set":
			err = replSet(model, args)
		case "del":
			err = replDel(model, args)
		case "get":
			err = replGet(model, args)
		case "sub":
			err = replSub(model, args, true)
		case "unsub":
			err = replSub(model, args, false)
		case "query":
			err = replQuery(model, args)
		default:
			_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
			continue
		}

		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error executing %s: %s\n", cmd, err.Error())
		}
	}
	return nil
}

func replAdd(model *amelisa.Model, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: add <collection> <json>")
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(strings.Join(args[1:], " ")), &value); err != nil {
		return err
	}
	docId, err := model.Add(args[0], value)
	if err != nil {
		return err
	}
	fmt.Println(docId)
	return nil
}

func replSet(model *amelisa.Model, args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: set <collection> <docId> <field> <json>")
	}
	var value any
	raw := strings.Join(args[3:], " ")
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		// bare words pass through as strings
		value = raw
	}
	return model.Set(args[0], args[1], args[2], value)
}

func replDel(model *amelisa.Model, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: del <collection> <docId> [field]")
	}
	field := ""
	if len(args) > 2 {
		field = args[2]
	}
	return model.Del(args[0], args[1], field)
}

func replGet(model *amelisa.Model, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: get <collection> <docId> [field]")
	}
	field := ""
	if len(args) > 2 {
		field = args[2]
	}
	value := model.Get(args[0], args[1], field)
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func replSub(model *amelisa.Model, args []string, subscribe bool) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: sub <collection> <docId>")
	}
	if !subscribe {
		model.Unsubscribe(args[0], args[1])
		return nil
	}
	doc := model.Subscribe(args[0], args[1])
	doc.OnChange(func(op *amelisa.Op) {
		fmt.Printf("%s/%s %s\n", op.CollectionName, op.DocId, op.Type)
	})
	return nil
}

func replQuery(model *amelisa.Model, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: query <collection> <json-expression>")
	}
	var expression amelisa.Expression
	if err := json.Unmarshal([]byte(strings.Join(args[1:], " ")), &expression); err != nil {
		return err
	}
	query := model.Query(args[0], expression)
	query.Fetch()
	query.OnChange(func() {
		fmt.Println(query.DocIds())
	})
	fmt.Println(query.DocIds())
	return nil
}
