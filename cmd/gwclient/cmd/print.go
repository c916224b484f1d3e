package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/tsarna/gateway-client/pkg/dispatch"
)

// printer writes each event as a line of "kind<TAB>json".
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) HandleEvent(ctx context.Context, event dispatch.Event) error {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event.Kind, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = fmt.Fprintf(p.out, "%s\t%s\n", event.Kind, data)
	return err
}
