package window

import (
	"fmt"
	"iter"
	"time"

	"tickstream/internal/schema"
	"tickstream/pkg/exception"
)

// InvalidRangeError is returned for a non-positive step or start after end.
type InvalidRangeError struct {
	Start time.Time
	End   time.Time
	Step  time.Duration
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid window range: start=%s end=%s step=%s",
		e.Start.UTC().Format(time.RFC3339Nano), e.End.UTC().Format(time.RFC3339Nano), e.Step)
}

func (e *InvalidRangeError) Unwrap() error {
	return exception.ErrInvalidRange
}

// Validate checks the planner preconditions.
func Validate(start, end time.Time, step time.Duration) error {
	if step <= 0 || start.After(end) {
		return &InvalidRangeError{Start: start, End: end, Step: step}
	}
	return nil
}

// Planner slices [start, end) into consecutive windows of length step.
// The last window is clipped to end.
type Planner struct {
	start time.Time
	end   time.Time
	step  time.Duration
}

// Plan validates the range and returns a planner. start == end yields no windows.
func Plan(start, end time.Time, step time.Duration) (*Planner, error) {
	if err := Validate(start, end, step); err != nil {
		return nil, err
	}
	return &Planner{start: start, end: end, step: step}, nil
}

// Len returns the number of windows the planner produces.
func (p *Planner) Len() int {
	span := p.end.Sub(p.start)
	if span <= 0 {
		return 0
	}
	n := span / p.step
	if span%p.step != 0 {
		n++
	}
	return int(n)
}

// Cursor returns a fresh cursor positioned at the first window.
func (p *Planner) Cursor() *Cursor {
	return &Cursor{planner: p, next: p.start}
}

// All yields every window in order. Each range over All starts from the beginning.
func (p *Planner) All() iter.Seq[schema.Window] {
	return func(yield func(schema.Window) bool) {
		c := p.Cursor()
		for {
			w, ok := c.Next()
			if !ok || !yield(w) {
				return
			}
		}
	}
}

// Cursor walks the windows of a planner once.
type Cursor struct {
	planner *Planner
	next    time.Time
}

// Next returns the next window, or false once the range is exhausted.
func (c *Cursor) Next() (schema.Window, bool) {
	if !c.next.Before(c.planner.end) {
		return schema.Window{}, false
	}
	end := c.next.Add(c.planner.step)
	if end.After(c.planner.end) {
		end = c.planner.end
	}
	w := schema.Window{Start: c.next, End: end}
	c.next = end
	return w, true
}
