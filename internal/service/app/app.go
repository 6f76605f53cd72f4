package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pair_sync/internal/model"
	frames "pair_sync/internal/protocol/presence"
	"pair_sync/internal/service/reconnect"
	"pair_sync/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const requestTimeout = 10 * time.Second

type (
	// App is the terminal client: it shows the partner's presence and
	// publishes the user's own status over the live channel.
	App struct {
		app      *tview.Application
		presence *tview.TextView
		events   *tview.TextView
		input    *tview.InputField

		api        *API
		controller *reconnect.Controller

		mu      sync.Mutex
		view    View
		running bool
	}
)

func NewApp(api *API, opts reconnect.Options) *App {
	a := &App{
		app: tview.NewApplication(),
		api: api,
	}
	opts.OnEvent = a.handleEvent
	a.controller = reconnect.NewController(api.Dialer(), opts)
	return a
}

// Run verifies the secret, pairs with partnerSecret if given and blocks in the
// terminal UI until the user quits.
func (a *App) Run(ctx context.Context, partnerSecret string) error {
	self, err := a.api.Verify(ctx)
	if err != nil {
		return fmt.Errorf("verify secret: %w", err)
	}
	a.update(func(v *View) { v.SetSelf(self) })

	if partnerSecret != "" && !self.HasPartner() {
		resp, err := a.api.Pair(ctx, partnerSecret)
		if err != nil {
			return fmt.Errorf("pair: %w", err)
		}
		a.update(func(v *View) { v.SetSelf(resp.Self) })
	}
	a.refreshPartner(ctx)

	a.controller.Connect()
	defer a.controller.Disconnect()

	return a.renderUI()
}

func (a *App) Stop() {
	a.controller.Disconnect()
	a.app.Stop()
}

// blocking function
func (a *App) renderUI() error {
	a.presence = tview.NewTextView().
		SetDynamicColors(true)
	a.presence.SetBorder(true).SetTitle(" Partner ")

	a.events = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	a.events.SetBorder(true).SetTitle(" Events ")

	a.input = tview.NewInputField().
		SetLabel("Status: ").
		SetFieldWidth(0)
	a.input.SetBorder(true).SetTitle(" /pair <secret>  /unpair  /reconnect  /quit ")

	a.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := strings.TrimSpace(a.input.GetText())
		if text == "" {
			return
		}
		a.input.SetText("")
		go a.command(text)
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.presence, 6, 0, false).
		AddItem(a.events, 0, 1, false).
		AddItem(a.input, 3, 0, true)

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
	a.draw()

	return a.app.SetRoot(layout, true).SetFocus(a.input).Run()
}

func (a *App) command(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	cmd, arg, _ := strings.Cut(text, " ")
	switch cmd {
	case "/quit":
		a.Stop()
	case "/reconnect":
		a.controller.Connect()
	case "/pair":
		resp, err := a.api.Pair(ctx, strings.TrimSpace(arg))
		if err != nil {
			a.logf("[red]pair failed:[-] %s", model.MessageOf(err))
			return
		}
		a.update(func(v *View) { v.SetSelf(resp.Self) })
		a.logf("paired with [green]%s[-]", tview.Escape(resp.Partner.Name))
		a.refreshPartner(ctx)
	case "/unpair":
		resp, err := a.api.Unpair(ctx)
		if err != nil {
			a.logf("[red]unpair failed:[-] %s", model.MessageOf(err))
			return
		}
		a.update(func(v *View) { v.SetSelf(resp.Self) })
		a.logf("unpaired from %s", tview.Escape(resp.FormerPartner.Name))
	default:
		if err := a.controller.Send(frames.NewStatusUpdate(text)); err != nil {
			a.logf("[red]status not sent:[-] %v", err)
		}
	}
}

// refreshPartner loads the partner's presence snapshot over HTTP.
func (a *App) refreshPartner(ctx context.Context) {
	presence, err := a.api.PartnerStatus(ctx)
	if err != nil {
		if !errors.Is(err, model.ErrNoPartner) {
			log.Warn("load partner status failed", zap.Error(err))
		}
		return
	}
	a.update(func(v *View) { v.SetPartner(presence) })
}

func (a *App) handleEvent(ev reconnect.Event) {
	switch ev.Kind {
	case reconnect.EventConnected:
		a.logf("[green]connected[-]")
	case reconnect.EventReconnecting:
		a.logf("[yellow]connection lost[-], retry %d in %v", ev.Attempt, ev.Delay)
	case reconnect.EventFailed:
		a.logf("[red]reconnect failed[-] after %d attempts, type /reconnect", ev.Attempt)
	case reconnect.EventDisconnected:
		a.logf("disconnected")
	case reconnect.EventFrame:
		a.handleFrame(ev.Frame)
	}
	a.update(func(v *View) { v.State = ev.State })
}

func (a *App) handleFrame(frame model.Frame) {
	var stale bool
	a.update(func(v *View) {
		stale = v.Apply(frame)
	})

	switch frame.Type {
	case model.FrameError:
		a.logf("[red]server:[-] %s", tview.Escape(frame.Message))
	case model.FrameStatusUpdated:
		a.logf("status set to [green]%s[-]", tview.Escape(deref(frame.Status)))
	case model.FramePartnerOnline:
		a.logf("partner is [green]online[-]")
	case model.FramePartnerOffline:
		a.logf("partner went [red]offline[-]")
	}

	if stale {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			a.refreshPartner(ctx)
		}()
	}
}

func (a *App) update(fn func(v *View)) {
	a.mu.Lock()
	fn(&a.view)
	a.mu.Unlock()
	a.draw()
}

func (a *App) draw() {
	a.mu.Lock()
	running := a.running
	text := a.view.Render()
	a.mu.Unlock()

	if !running {
		return
	}
	a.app.QueueUpdateDraw(func() {
		a.presence.SetText(text)
	})
}

func (a *App) logf(format string, args ...any) {
	line := fmt.Sprintf("[grey]%s[-] %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	log.Debug("client event", zap.String("line", line))

	a.mu.Lock()
	running := a.running
	a.mu.Unlock()
	if !running {
		return
	}
	a.app.QueueUpdateDraw(func() {
		fmt.Fprint(a.events, line)
		a.events.ScrollToEnd()
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
