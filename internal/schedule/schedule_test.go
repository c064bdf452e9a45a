package schedule

import (
	"context"
	"sync"
	"testing"

	"tabrotate/internal/dispatch"
	logx "tabrotate/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	cmds []dispatch.Command
	from []dispatch.Origin
}

func (r *recorder) Handle(_ context.Context, o dispatch.Origin, c dispatch.Command) dispatch.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, c)
	r.from = append(r.from, o)
	return dispatch.Response{Status: dispatch.StatusOK, Success: true}
}

func TestParseExpr(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"0 9 * * 1-5", "30 0 9 * * *", "@hourly", "@every 1h"} {
		if err := ParseExpr(ok); err != nil {
			t.Fatalf("ParseExpr(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "61 * * * *", "nope"} {
		if err := ParseExpr(bad); err == nil {
			t.Fatalf("ParseExpr(%q) accepted", bad)
		}
	}
}

func TestFireIssuesCommands(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	tabs := []dispatch.TabInput{{URL: "https://a.example", Interval: 1000}}
	s := New(Config{Start: "@hourly", Stop: "@daily", Tabs: tabs}, rec, logx.Nop())

	// Not started: triggers are ignored.
	s.fireStart()
	if len(rec.cmds) != 0 {
		t.Fatal("fired before Start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	defer s.Stop(context.Background())

	s.fireStart()
	s.fireStop()
	if len(rec.cmds) != 2 {
		t.Fatalf("commands = %d, want 2", len(rec.cmds))
	}
	start, stop := rec.cmds[0], rec.cmds[1]
	if start.Action != dispatch.ActionUpdateRotation || start.Status == nil || !*start.Status || len(start.Tabs) != 1 {
		t.Fatalf("start command = %+v", start)
	}
	if stop.Status == nil || *stop.Status {
		t.Fatalf("stop command = %+v", stop)
	}
	if rec.from[0].Transport != "schedule" {
		t.Fatalf("origin = %+v", rec.from[0])
	}

	cancel()
	s.fireStop()
	if len(rec.cmds) != 2 {
		t.Fatal("fired after context end")
	}
}

func TestApplyRebuildsCron(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &recorder{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if s.c != nil {
		t.Fatal("cron running with no triggers")
	}
	if start, stop := s.Next(); !start.IsZero() || !stop.IsZero() {
		t.Fatalf("Next = %v, %v", start, stop)
	}

	s.Apply(Config{Stop: "@daily", Timezone: "UTC"})
	if s.c == nil || len(s.c.Entries()) != 1 {
		t.Fatal("stop trigger not registered")
	}
	if _, stop := s.Next(); stop.IsZero() {
		t.Fatal("Next stop is zero")
	}

	// Start without tabs is ignored.
	s.Apply(Config{Start: "@hourly"})
	if s.c != nil {
		t.Fatal("start trigger without tabs registered")
	}

	s.Apply(Config{Start: "bad expr", Stop: "@daily", Tabs: []dispatch.TabInput{{URL: "https://a.example"}}})
	if s.c == nil || len(s.c.Entries()) != 1 {
		t.Fatal("valid trigger lost next to an invalid one")
	}
}
