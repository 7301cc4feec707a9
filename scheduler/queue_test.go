package scheduler

import (
	"strings"
	"testing"
	"time"
)

func TestQueue_DeQueueSkipsDropped(t *testing.T) {
	q := newQueue("tile.example.org")
	l := testLayer("osm", "")
	base := time.Unix(100, 0)

	mk := func(name string, pri float64, at int, drop bool) *Command {
		c := newTestCommand(l, name, pri)
		c.queuedAt = base.Add(time.Duration(at) * time.Second)
		if drop {
			c.EarlyDrop = func(*Command) bool { return true }
		}
		return c
	}
	q.push(mk("a", 1, 0, false))
	q.push(mk("b", 9, 1, true))
	q.push(mk("c", 9, 0, false))
	q.push(mk("d", 4, 2, true))

	next, dropped := q.DeQueue()
	if next == nil || next.Requester.(*fakeTile).name != "c" {
		t.Fatalf("next = %v, want c", next)
	}
	if len(dropped) != 1 || dropped[0].Requester.(*fakeTile).name != "b" {
		t.Fatalf("dropped = %v, want [b]", dropped)
	}

	next, dropped = q.DeQueue()
	if next == nil || next.Requester.(*fakeTile).name != "a" || len(dropped) != 1 {
		t.Fatalf("第二次出队 next=%v dropped=%v", next, dropped)
	}
	next, dropped = q.DeQueue()
	if next != nil || len(dropped) != 0 {
		t.Fatalf("队列应已耗尽: %v %v", next, dropped)
	}
	if q.counters.Cancelled != 2 {
		t.Errorf("cancelled = %d, want 2", q.counters.Cancelled)
	}
}

func TestQueue_SamePriorityNewestFirst(t *testing.T) {
	type queued struct {
		name string
		at   int
		seq  uint64
	}
	l := testLayer("osm", "")
	base := time.Unix(100, 0)
	tests := []struct {
		name string
		cmds []queued
		want string
	}{
		{"入队时间较晚者优先", []queued{{"old", 0, 1}, {"new", 5, 2}, {"mid", 2, 3}}, "new,mid,old"},
		{"同一时刻按序号倒序", []queued{{"first", 0, 1}, {"second", 0, 2}, {"third", 0, 3}}, "third,second,first"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQueue("tile.example.org")
			for _, c := range tt.cmds {
				cmd := newTestCommand(l, c.name, 1)
				cmd.queuedAt = base.Add(time.Duration(c.at) * time.Second)
				cmd.seq = c.seq
				q.push(cmd)
			}
			var got []string
			for {
				next, _ := q.DeQueue()
				if next == nil {
					break
				}
				got = append(got, next.Requester.(*fakeTile).name)
			}
			if strings.Join(got, ",") != tt.want {
				t.Errorf("出队顺序 = %v, want %s", got, tt.want)
			}
		})
	}
}
