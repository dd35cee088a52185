package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ergochat/readline"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drpcorg/sklad"
	"github.com/drpcorg/sklad/docs"
	"github.com/drpcorg/sklad/indexing"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("del"),

	readline.PcItem("index"),
	readline.PcItem("indexes"),
	readline.PcItem("drop"),
	readline.PcItem("query"),

	readline.PcItem("stale"),
	readline.PcItem("watermark"),
	readline.PcItem("tick"),
	readline.PcItem("run"),
	readline.PcItem("stop"),
	readline.PcItem("stats"),

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

const usage = `commands:
  put <key> <json> [entity]     write a document, optionally classified
  get <key>                     show a document
  del <key>                     delete a document
  index <name> <field,...> [entity,...]
                                declare an index over dotted-path fields
  indexes                       list declared indexes and watermarks
  drop <name>                   drop an index
  query <index> <field> <value> look up documents by term
  stale                         list indexes with pending work
  watermark <index>             show an index watermark
  tick                          run one indexing cycle
  run | stop                    start/stop the background engine
  stats                         storage counters
  exit | quit`

type shell struct {
	store  *sklad.Store
	writer *sklad.Writer
	engine *indexing.Engine

	running context.CancelFunc
	done    chan struct{}
}

func (sh *shell) startEngine() {
	if sh.running != nil {
		fmt.Println("already running")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sh.running = cancel
	sh.done = make(chan struct{})
	go func() {
		sh.engine.Run(ctx)
		close(sh.done)
	}()
	fmt.Println("engine running")
}

func (sh *shell) stopEngine() {
	if sh.running == nil {
		return
	}
	sh.running()
	<-sh.done
	sh.running = nil
}

func (sh *shell) execute(cmd string, args []string) error {
	switch cmd {
	case "help":
		fmt.Println(usage)

	case "put":
		if len(args) < 2 {
			return fmt.Errorf("usage: put <key> <json> [entity]")
		}
		data := json.RawMessage(args[1])
		if !json.Valid(data) {
			return fmt.Errorf("bad JSON: %s", args[1])
		}
		var meta docs.Metadata
		if len(args) > 2 {
			meta = docs.Metadata{docs.MetaEntity: args[2]}
		}
		tag, err := sh.store.Put(args[0], data, meta)
		if err != nil {
			return err
		}
		fmt.Println(tag.String())

	case "get":
		if len(args) != 1 {
			return fmt.Errorf("usage: get <key>")
		}
		snap, err := sh.store.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\t%s\n", snap.Etag.String(), snap.Entity(), string(snap.Data))

	case "del":
		if len(args) != 1 {
			return fmt.Errorf("usage: del <key>")
		}
		return sh.store.Delete(args[0])

	case "index":
		if len(args) < 2 {
			return fmt.Errorf("usage: index <name> <field,...> [entity,...]")
		}
		def := sklad.IndexDefinition{
			Name:   args[0],
			Fields: strings.Split(args[1], ","),
		}
		if len(args) > 2 {
			def.Entities = strings.Split(args[2], ",")
		}
		return sh.store.CreateIndex(def)

	case "indexes":
		works, err := sh.store.Indexes()
		if err != nil {
			return err
		}
		for _, w := range works {
			fmt.Printf("%s\t%s\t%s\n", w.Name, w.LastIndexed.String(), strings.Join(w.Entities, ","))
		}

	case "drop":
		if len(args) != 1 {
			return fmt.Errorf("usage: drop <name>")
		}
		return sh.store.DropIndex(args[0])

	case "query":
		if len(args) != 3 {
			return fmt.Errorf("usage: query <index> <field> <value>")
		}
		keys, err := sh.writer.Lookup(args[0], args[1], args[2])
		if err != nil {
			return err
		}
		for _, key := range keys {
			fmt.Println(key)
		}

	case "stale":
		works, err := sh.store.Indexes()
		if err != nil {
			return err
		}
		for _, w := range works {
			if sh.store.IsStale(w.Name) {
				fmt.Println(w.Name)
			}
		}

	case "watermark":
		if len(args) != 1 {
			return fmt.Errorf("usage: watermark <index>")
		}
		tag, modified, err := sh.store.Watermark(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", tag.String(), modified)

	case "tick":
		if sh.running != nil {
			return fmt.Errorf("engine is running, stop it first")
		}
		worked, err := sh.engine.RunCycle(context.Background())
		if err != nil {
			return err
		}
		fmt.Println("worked:", worked)

	case "run":
		sh.startEngine()

	case "stop":
		sh.stopEngine()

	case "stats":
		fmt.Print(sh.store.Metrics().String())

	default:
		fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
	}
	return nil
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: sklad <dir>")
		os.Exit(-2)
	}

	store, err := sklad.Open(os.Args[1], sklad.Options{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	sh := &shell{
		store:  store,
		writer: sklad.NewWriter(store),
		engine: store.NewEngine(indexing.Config{Name: "repl"}),
	}
	prometheus.MustRegister(store.Collector())
	indexing.RegisterMetrics(prometheus.DefaultRegisterer)

	l, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ", //"\033[31m◌\033[0m ",
		HistoryFile:     ".sklad_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		args := strings.Split(line, " ")
		cmd := args[0]
		args = args[1:]

		if cmd == "exit" || cmd == "quit" {
			break
		}
		if err = sh.execute(cmd, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error executing %s: %s\n", cmd, err.Error())
		}
	}

	sh.stopEngine()
	if err = store.Close(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
}
