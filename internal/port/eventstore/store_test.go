package eventstore

import (
	"testing"
	"time"

	"github.com/Strob0t/forgeline/internal/domain/event"
)

func TestInsert(t *testing.T) {
	ev := func(step int) event.AgentEvent {
		return event.New("r", "p", step, &event.Message{Text: "m"}, time.Unix(0, 0))
	}
	stepsOf := func(evs []event.AgentEvent) []int {
		out := make([]int, len(evs))
		for i, e := range evs {
			out[i] = e.Step
		}
		return out
	}

	tests := []struct {
		name    string
		have    []int
		add     int
		max     int
		want    []int
		changed bool
	}{
		{"empty", nil, 1, 0, []int{1}, true},
		{"tail", []int{1, 2}, 3, 0, []int{1, 2, 3}, true},
		{"middle", []int{1, 3}, 2, 0, []int{1, 2, 3}, true},
		{"head", []int{1, 2}, 0, 0, []int{0, 1, 2}, true},
		{"duplicate", []int{1, 2}, 2, 0, []int{1, 2}, false},
		{"cap drops oldest", []int{1, 2, 3}, 4, 3, []int{2, 3, 4}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var evs []event.AgentEvent
			for _, s := range tt.have {
				evs = append(evs, ev(s))
			}
			got, changed := Insert(evs, ev(tt.add), Retention{MaxEvents: tt.max})
			if changed != tt.changed {
				t.Fatalf("changed = %v, want %v", changed, tt.changed)
			}
			gs := stepsOf(got)
			if len(gs) != len(tt.want) {
				t.Fatalf("steps = %v, want %v", gs, tt.want)
			}
			for i := range gs {
				if gs[i] != tt.want[i] {
					t.Fatalf("steps = %v, want %v", gs, tt.want)
				}
			}
		})
	}
}
