package monitor

import (
	"fmt"
	"log"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/ianchi/ifit/internal/protocol"
	"github.com/ianchi/ifit/internal/session"
)

// View is a live dashboard over a session: current values on the left,
// log tail on the right. Esc or q quits.
type View struct {
	app     *tview.Application
	table   *tview.Table
	logView *tview.TextView
	sess    *session.Session
	logger  *log.Logger
}

var rows = []struct {
	label string
	value func(map[string]protocol.Value) string
}{
	{"Speed (km/h)", func(v map[string]protocol.Value) string {
		return fmt.Sprintf("%.1f", v["CurrentKph"].Float)
	}},
	{"Target speed (km/h)", func(v map[string]protocol.Value) string {
		return fmt.Sprintf("%.1f", v["Kph"].Float)
	}},
	{"Incline (%)", func(v map[string]protocol.Value) string {
		return fmt.Sprintf("%.1f", v["CurrentIncline"].Float)
	}},
	{"Pulse (bpm)", func(v map[string]protocol.Value) string {
		p := v["Pulse"].Pulse
		if p.Source == protocol.PulseSourceNone {
			return "-"
		}
		return fmt.Sprintf("%d (%s)", p.CurrentBpm, p.Source)
	}},
	{"Mode", func(v map[string]protocol.Value) string {
		return v["Mode"].AsMode().String()
	}},
}

// NewView builds the dashboard for an open session.
func NewView(sess *session.Session, logger *log.Logger) *View {
	if sess == nil {
		panic("View: session cannot be nil")
	}
	if logger == nil {
		panic("View: logger cannot be nil")
	}

	v := &View{
		app:    tview.NewApplication(),
		table:  tview.NewTable(),
		sess:   sess,
		logger: logger,
	}

	v.table.SetBorder(true).SetTitle(" iFit Monitor ")
	for i, row := range rows {
		v.table.SetCell(i, 0, tview.NewTableCell(row.label).SetExpansion(1))
		v.table.SetCell(i, 1, tview.NewTableCell("-").SetAlign(tview.AlignRight))
	}

	v.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() { v.app.Draw() })
	v.logView.SetBorder(true).SetTitle(" Logs ")

	flex := tview.NewFlex().
		AddItem(v.table, 0, 1, true).
		AddItem(v.logView, 0, 1, false)

	v.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Rune() == 'q' {
			v.app.Stop()
			return nil
		}
		return event
	})
	v.app.SetRoot(flex, true).SetFocus(v.table)
	return v
}

// Logf appends a timestamped line to the log pane.
func (v *View) Logf(format string, args ...interface{}) {
	message := fmt.Sprintf("[%s] %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	fmt.Fprint(v.logView, message)
}

// Run starts the watch loop and blocks until the user quits.
func (v *View) Run() error {
	err := v.sess.Watch(func(values map[string]protocol.Value) {
		v.app.QueueUpdateDraw(func() {
			for i, row := range rows {
				v.table.GetCell(i, 1).SetText(row.value(values))
			}
		})
	})
	if err != nil {
		return err
	}
	defer v.sess.StopWatch()

	v.Logf("Monitoring (Esc to quit)...")
	return v.app.Run()
}
