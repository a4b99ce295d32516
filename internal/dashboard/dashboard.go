// Package dashboard shows live speed and cadence in the terminal.
package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/csc-sensor/internal/go_func_utils"
	"github.com/lowaak/csc-sensor/internal/session"
	"github.com/lowaak/csc-sensor/internal/units"
)

const DefaultRefresh = 250 * time.Millisecond

// Dashboard renders a units.Readout in a single tview panel.
// q or Esc stops it.
type Dashboard struct {
	app     *tview.Application
	view    *tview.TextView
	readout *units.Readout
	title   string
	refresh time.Duration
	updates chan session.Event
	logger  *slog.Logger
}

func New(readout *units.Readout, title string, logger *slog.Logger) *Dashboard {
	if readout == nil {
		panic("Dashboard: readout cannot be nil")
	}
	if logger == nil {
		panic("Dashboard: logger cannot be nil")
	}
	d := &Dashboard{
		app:     tview.NewApplication(),
		readout: readout,
		title:   title,
		refresh: DefaultRefresh,
		updates: make(chan session.Event, 1),
		logger:  logger,
	}

	// Note: no SetChangedFunc with app.Draw(), the refresh loop redraws
	d.view = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	d.view.SetBorder(true).SetTitle(fmt.Sprintf(" %s ", title))
	d.view.SetText(Render(readout.Snapshot()))

	d.app.SetInputCapture(d.handleKey)
	d.app.SetRoot(d.view, true)
	return d
}

func (d *Dashboard) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if event.Key() == tcell.KeyEscape || (event.Key() == tcell.KeyRune && (event.Rune() == 'q' || event.Rune() == 'Q')) {
		d.app.Stop()
		return nil
	}
	return event
}

// Updates returns a channel that triggers an immediate redraw; the periodic
// refresh still runs so stale readings decay.
func (d *Dashboard) Updates() chan<- session.Event {
	return d.updates
}

func (d *Dashboard) redraw() {
	text := Render(d.readout.Snapshot())
	d.app.QueueUpdateDraw(func() {
		d.view.SetText(text)
	})
}

// Run blocks until the user quits or ctx is done
func (d *Dashboard) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Stop is a no-op until the screen exists, so ctx is checked again after every draw
	d.app.SetAfterDrawFunc(func(tcell.Screen) {
		if ctx.Err() != nil {
			go_func_utils.SafeGo(d.logger, d.app.Stop)
		}
	})

	go_func_utils.SafeGo(d.logger, func() {
		ticker := time.NewTicker(d.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				d.app.Stop()
				return
			case <-ticker.C:
				d.redraw()
			case <-d.updates:
				d.redraw()
			}
		}
	})

	return d.app.Run()
}

func stateColor(state session.ConnectionState) string {
	switch state {
	case session.Connected:
		return "green"
	case session.Connecting:
		return "yellow"
	case session.Error:
		return "red"
	default:
		return "gray"
	}
}

// Render formats one snapshot for the panel
func Render(snap units.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n[%s]%s[white]\n\n", stateColor(snap.State), snap.State)

	if snap.HasSpeed {
		fmt.Fprintf(&b, "[yellow]Speed[white]     %6.1f km/h\n", snap.SpeedKmh)
	} else {
		b.WriteString("[yellow]Speed[white]          -- km/h\n")
	}
	if snap.HasCadence {
		fmt.Fprintf(&b, "[yellow]Cadence[white]   %6.0f rpm\n", snap.CadenceRPM)
	} else {
		b.WriteString("[yellow]Cadence[white]        -- rpm\n")
	}
	fmt.Fprintf(&b, "[yellow]Distance[white]  %6.2f km\n", snap.DistanceM/1000)

	b.WriteString("\n[gray]q / Esc to quit[white]")
	return b.String()
}
