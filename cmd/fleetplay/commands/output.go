package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/fleetplay/pkg/engine"
	"github.com/openfroyo/fleetplay/pkg/runner"
)

// progress prints scheduler events as they arrive and tallies results per
// host for the recap.
type progress struct {
	w    io.Writer
	json bool

	mu     sync.Mutex
	tally  map[string]*hostTally
	lastID string
}

type hostTally struct {
	OK          int `json:"ok"`
	Changed     int `json:"changed"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
	Unreachable int `json:"unreachable"`
}

func newProgress(w io.Writer, asJSON bool) *progress {
	return &progress{w: w, json: asJSON, tally: make(map[string]*hostTally)}
}

// event is a telemetry.EventSubscriber.
func (p *progress) event(ev engine.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.Result != nil && !ev.Result.IsMeta && ev.Host != "" {
		p.count(ev.Host, ev.Result)
	}

	if p.json {
		if data, err := json.Marshal(ev); err == nil {
			fmt.Fprintln(p.w, string(data))
		}
		return
	}

	switch ev.Type {
	case engine.EventTypeTaskDispatched:
		if ev.TaskID != p.lastID {
			p.lastID = ev.TaskID
			fmt.Fprintf(p.w, "\nTASK [%s]\n", ev.TaskName)
		}
	case engine.EventTypeTaskCompleted, engine.EventTypeTaskFailed, engine.EventTypeHostUnreachable:
		if ev.Result == nil || ev.Result.IsMeta {
			return
		}
		line := fmt.Sprintf("%s: [%s]", ev.Result.Status(), ev.Host)
		if ev.Result.Err != nil {
			line += " => " + ev.Result.Err.Error()
		} else if ev.Result.Output != "" {
			line += " => " + firstLine(ev.Result.Output)
		}
		fmt.Fprintln(p.w, line)
	case engine.EventTypeWarning, engine.EventTypeFatal:
		fmt.Fprintf(p.w, "[%s] %s\n", ev.Level, ev.Message)
	}
}

func (p *progress) count(host string, res *engine.TaskResult) {
	t, ok := p.tally[host]
	if !ok {
		t = &hostTally{}
		p.tally[host] = t
	}
	switch res.Status() {
	case "unreachable":
		t.Unreachable++
	case "failed":
		t.Failed++
	case "skipped":
		t.Skipped++
	case "changed":
		t.Changed++
	default:
		t.OK++
	}
}

// recap prints the per-host totals and the play summary.
func (p *progress) recap(report *runner.Report) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		return printJSON(p.w, struct {
			*runner.Report
			Recap map[string]*hostTally `json:"recap"`
		}{report, p.tally})
	}

	fmt.Fprintf(p.w, "\nPLAY RECAP [%s] %s\n", report.PlayID, report.Outcome)
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	hosts := append([]string(nil), report.Hosts...)
	sort.Strings(hosts)
	for _, h := range hosts {
		t := p.tally[h]
		if t == nil {
			t = &hostTally{}
		}
		fmt.Fprintf(tw, "%s\tok=%d\tchanged=%d\tfailed=%d\tskipped=%d\tunreachable=%d\n",
			h, t.OK, t.Changed, t.Failed, t.Skipped, t.Unreachable)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(p.w, "\n%d batch(es), %d round(s), %d dispatch(es) in %s\n",
		report.Batches, report.Rounds, report.Dispatched, report.Duration.Round(time.Millisecond))
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i] + " ..."
		}
	}
	return s
}
