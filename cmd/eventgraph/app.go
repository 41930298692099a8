package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brunobiangulo/eventgraph"
	"github.com/brunobiangulo/eventgraph/logging"
	"github.com/brunobiangulo/eventgraph/pipeline"
	"github.com/brunobiangulo/eventgraph/store"
)

var errUsage = errors.New("usage")

const usage = `usage: eventgraph [-config file] [-json] [-log-level level] <command> [args]

commands:
  ingest [-text T [-uri U]] [file...]   add source texts at pending_triage
  triage                                classify pending_triage items
  review export [-sheet path]           write the review sheet
  review import [-sheet path]           apply an edited review sheet
  review request [-id id] [-out path]   write a single-item review request
  review respond [-file path]           apply an edited review request
  learn                                 propose event types from unknown items
  extract                               extract events from reviewed items
  cluster                               group events into stories
  relate                                analyse relationships within stories
  run                                   run every automatic stage once
  query <question>                      answer a question from the graph
  status                                show item counts and table sizes
  requeue -to status [id...]            move error items back to a pending status
`

// stageCommands maps CLI verbs to pipeline stage names.
var stageCommands = map[string]string{
	"triage":  pipeline.StageTriage,
	"learn":   pipeline.StageLearning,
	"extract": pipeline.StageExtraction,
	"cluster": pipeline.StageClustering,
	"relate":  pipeline.StageRelationship,
}

type openFunc func(ctx context.Context, cfg eventgraph.Config, opts ...eventgraph.Option) (eventgraph.Engine, error)

type app struct {
	stdout io.Writer
	stderr io.Writer
	open   openFunc

	jsonOut bool
}

func (a *app) run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("eventgraph", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.Usage = func() { fmt.Fprint(a.stderr, usage) }
	configPath := fs.String("config", "", "Path to config file (YAML)")
	jsonOut := fs.Bool("json", false, "Print results as JSON")
	logLevel := fs.String("log-level", "", "Log level override (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	a.jsonOut = *jsonOut

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errUsage
	}
	cmd, cmdArgs := rest[0], rest[1:]
	if cmd == "help" {
		fmt.Fprint(a.stdout, usage)
		return nil
	}

	cfg, err := eventgraph.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	slog.SetDefault(logging.NewWriter(a.stderr, cfg.Logging.Level, cfg.Logging.Format))

	// Validate arguments before opening the engine.
	handler, err := a.command(cmd, cmdArgs)
	if err != nil {
		return err
	}

	engine, err := a.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	return handler(ctx, engine)
}

type commandFunc func(ctx context.Context, e eventgraph.Engine) error

// command parses the arguments of one subcommand.
func (a *app) command(cmd string, args []string) (commandFunc, error) {
	if stage, ok := stageCommands[cmd]; ok {
		if len(args) > 0 {
			return nil, a.usageErr("%s takes no arguments", cmd)
		}
		return func(ctx context.Context, e eventgraph.Engine) error {
			rep, err := e.RunStage(ctx, stage)
			if err != nil {
				return err
			}
			return a.print(rep, func(w io.Writer) { printReports(w, []pipeline.Report{rep}) })
		}, nil
	}

	switch cmd {
	case "ingest":
		return a.ingestCommand(args)
	case "review":
		return a.reviewCommand(args)
	case "run":
		return func(ctx context.Context, e eventgraph.Engine) error {
			reps, err := e.Run(ctx)
			if perr := a.print(reps, func(w io.Writer) { printReports(w, reps) }); perr != nil {
				return perr
			}
			return err
		}, nil
	case "query":
		q := strings.TrimSpace(strings.Join(args, " "))
		if q == "" {
			return nil, a.usageErr("query needs a question")
		}
		return func(ctx context.Context, e eventgraph.Engine) error {
			ans, err := e.Query(ctx, q)
			if err != nil {
				return err
			}
			return a.print(ans, func(w io.Writer) {
				fmt.Fprintln(w, ans.Answer)
				if len(ans.Sources) > 0 {
					fmt.Fprintln(w, "\nsources:")
				}
				for i, s := range ans.Sources {
					fmt.Fprintf(w, "  [%d] %s %s %s\n", i+1, s.EventID, s.EventType, s.Description)
					if s.Quote != "" {
						fmt.Fprintf(w, "      %q\n", s.Quote)
					}
				}
			})
		}, nil
	case "status":
		return func(ctx context.Context, e eventgraph.Engine) error {
			st, err := e.Status(ctx)
			if err != nil {
				return err
			}
			return a.print(st, func(w io.Writer) { printStatus(w, st) })
		}, nil
	case "requeue":
		fs := a.flags("requeue")
		to := fs.String("to", "", "Pending status to move error items to")
		if err := fs.Parse(args); err != nil {
			return nil, errUsage
		}
		status, err := store.ParseStatus(*to)
		if err != nil {
			return nil, a.usageErr("requeue: %v", err)
		}
		ids := fs.Args()
		return func(ctx context.Context, e eventgraph.Engine) error {
			n, err := e.Requeue(ctx, status, ids...)
			if err != nil {
				return err
			}
			return a.print(map[string]any{"requeued": n, "to": status}, func(w io.Writer) {
				fmt.Fprintf(w, "requeued %d item(s) to %s\n", n, status)
			})
		}, nil
	}
	return nil, a.usageErr("unknown command %q", cmd)
}

func (a *app) ingestCommand(args []string) (commandFunc, error) {
	fs := a.flags("ingest")
	text := fs.String("text", "", "Source text to ingest")
	uri := fs.String("uri", "", "Source URI for -text")
	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}
	files := fs.Args()
	if *text == "" && len(files) == 0 {
		return nil, a.usageErr("ingest needs -text or at least one file")
	}
	return func(ctx context.Context, e eventgraph.Engine) error {
		var (
			names   []string
			results []*eventgraph.IngestResult
		)
		if *text != "" {
			res, err := e.IngestText(ctx, *text, *uri)
			if err != nil {
				return err
			}
			names = append(names, "text")
			results = append(results, res)
		}
		for _, f := range files {
			res, err := e.IngestFile(ctx, f)
			if err != nil {
				return fmt.Errorf("%s: %w", f, err)
			}
			names = append(names, f)
			results = append(results, res)
		}
		return a.print(results, func(w io.Writer) {
			for i, res := range results {
				fmt.Fprintf(w, "%s: %d inserted, %d duplicate(s)\n", names[i], res.Inserted, res.Duplicates)
			}
		})
	}, nil
}

func (a *app) reviewCommand(args []string) (commandFunc, error) {
	if len(args) == 0 {
		return nil, a.usageErr("review needs export, import, request or respond")
	}
	sub, args := args[0], args[1:]
	fs := a.flags("review " + sub)

	switch sub {
	case "export", "import":
		sheet := fs.String("sheet", "", "Review sheet path (.csv or .xlsx)")
		if err := fs.Parse(args); err != nil {
			return nil, errUsage
		}
		if sub == "export" {
			return func(ctx context.Context, e eventgraph.Engine) error {
				rep, err := e.ExportReview(ctx, *sheet)
				if err != nil {
					return err
				}
				return a.print(rep, func(w io.Writer) {
					fmt.Fprintf(w, "wrote %d row(s) to %s\nevent types: %s\n", rep.Rows, rep.SheetPath, rep.TypesPath)
				})
			}, nil
		}
		return func(ctx context.Context, e eventgraph.Engine) error {
			rep, err := e.ImportReview(ctx, *sheet)
			if err != nil {
				return err
			}
			return a.print(rep, func(w io.Writer) {
				fmt.Fprintf(w, "rows %d: %d to extraction, %d to learning, %d invalid type(s), %d skipped\n",
					rep.Rows, rep.ToExtraction, rep.ToLearning, rep.InvalidTypes, rep.Skipped)
			})
		}, nil

	case "request":
		id := fs.String("id", "", "Item id (default: lowest confidence pending item)")
		out := fs.String("out", "", "Request file path")
		if err := fs.Parse(args); err != nil {
			return nil, errUsage
		}
		return func(ctx context.Context, e eventgraph.Engine) error {
			got, err := e.WriteReviewRequest(ctx, *id, *out)
			if err != nil {
				return err
			}
			return a.print(map[string]string{"id": got}, func(w io.Writer) {
				fmt.Fprintf(w, "review request written for %s\n", got)
			})
		}, nil

	case "respond":
		file := fs.String("file", "", "Edited request file path")
		if err := fs.Parse(args); err != nil {
			return nil, errUsage
		}
		return func(ctx context.Context, e eventgraph.Engine) error {
			d, res, err := e.ApplyReviewResponse(ctx, *file)
			if err != nil {
				return err
			}
			return a.print(map[string]any{"decision": d, "result": res}, func(w io.Writer) {
				fmt.Fprintf(w, "%s -> %s\n", d.ID, res.Status)
			})
		}, nil
	}
	return nil, a.usageErr("unknown review command %q", sub)
}

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func (a *app) usageErr(format string, args ...any) error {
	fmt.Fprintf(a.stderr, format+"\n\n", args...)
	fmt.Fprint(a.stderr, usage)
	return errUsage
}

// print writes v as indented JSON with -json, otherwise runs text.
func (a *app) print(v any, text func(io.Writer)) error {
	if a.jsonOut {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(a.stdout)
	return nil
}

func printReports(w io.Writer, reps []pipeline.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tFOUND\tOK\tFAILED\tSKIPPED\tDURATION")
	for _, r := range reps {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n",
			r.Stage, r.Found, r.Succeeded, r.Failed, r.Skipped, r.Duration.Round(time.Millisecond))
	}
	tw.Flush()
}

func printStatus(w io.Writer, st *eventgraph.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range store.AllStatuses {
		fmt.Fprintf(tw, "%s\t%d\n", s, st.Items[s])
	}
	fmt.Fprintln(tw, "\t")
	fmt.Fprintf(tw, "events\t%d\n", st.Events)
	fmt.Fprintf(tw, "entities\t%d\n", st.Entities)
	fmt.Fprintf(tw, "stories\t%d\n", st.Stories)
	fmt.Fprintf(tw, "relations\t%d\n", st.Relations)
	fmt.Fprintf(tw, "vectors\t%d\n", st.Vectors)
	fmt.Fprintf(tw, "event types\t%d\n", st.EventTypes)
	fmt.Fprintf(tw, "graph store\t%s\n", st.GraphStore)
	tw.Flush()
}
