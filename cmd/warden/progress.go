package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/basket/warden/internal/bus"
)

// startProgress prints bus events as one-line progress updates until the
// returned stop function is called.
func startProgress(ctx context.Context, b *bus.Bus, w io.Writer) func() {
	sub := b.Subscribe("")
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				// Flush what is already buffered.
				for {
					select {
					case ev := <-sub.Ch():
						printEvent(w, ev)
					default:
						return
					}
				}
			case ev := <-sub.Ch():
				printEvent(w, ev)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
		b.Unsubscribe(sub)
	}
}

func printEvent(w io.Writer, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.IterationEvent:
		if ev.Topic == bus.TopicLoopIteration {
			fmt.Fprintln(w, styleDim.Render(fmt.Sprintf("── iteration %d/%d", p.Iteration, p.MaxIterations)))
		}
	case bus.ToolExecutedEvent:
		if p.Success {
			fmt.Fprintf(w, "  %s %s\n", styleOK.Render("✓"), p.Tool)
		} else {
			fmt.Fprintf(w, "  %s %s %s\n", styleBad.Render("✗"), p.Tool, styleDim.Render(p.ErrorKind))
		}
	case bus.NodeCreatedEvent:
		fmt.Fprintf(w, "  %s %s\n", styleDim.Render("+ node"), p.Title)
	case bus.NodeExpandedEvent:
		if len(p.Children) > 0 {
			fmt.Fprintf(w, "  %s\n", styleDim.Render(fmt.Sprintf("expanded into %d children", len(p.Children))))
		}
	}
}
