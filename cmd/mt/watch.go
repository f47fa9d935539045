package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	cl "memetrade/internal/cli"
	"memetrade/internal/trade"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#374151")).
			Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
	readyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
	waitStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
)

type (
	channelMsg  cl.Event
	channelDone struct{}
	syncedMsg   struct{ err error }
	actionMsg   struct {
		label string
		err   error
	}
	clockMsg time.Time
)

type watchModel struct {
	ctx    context.Context
	client *cl.Client
	sess   cl.Session
	conn   *cl.ConnManager
	sync   *cl.Synchronizer

	spin    spinner.Model
	busy    bool
	now     time.Time
	log     []string
	status  string
	lastErr error
	width   int
}

func newWatchModel(ctx context.Context, client *cl.Client, sess cl.Session, conn *cl.ConnManager, syncer *cl.Synchronizer) *watchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return &watchModel{
		ctx:    ctx,
		client: client,
		sess:   sess,
		conn:   conn,
		sync:   syncer,
		spin:   sp,
		now:    time.Now(),
		status: "connected",
	}
}

func (m *watchModel) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spin.Tick, m.listen(), tickClock()}
	if m.sync.Tracked() != "" {
		m.busy = true
		cmds = append(cmds, m.refresh(cl.Event{Resync: true}))
	}
	return tea.Batch(cmds...)
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			return m, m.act("ready", func(ctx context.Context, id string) error {
				_, err := m.client.Ready(ctx, m.sess.AccessToken, id)
				return err
			})
		case "x":
			return m, m.act("cancel", func(ctx context.Context, id string) error {
				return m.client.Cancel(ctx, m.sess.AccessToken, id)
			})
		case "a":
			offers := m.sync.VisibleOffers(m.now)
			if len(offers) == 0 {
				m.status = "no offer to accept"
				return m, nil
			}
			offerID := offers[0].OfferID
			return m, func() tea.Msg {
				ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
				defer cancel()
				ts, err := m.client.Accept(ctx, m.sess.AccessToken, offerID)
				if err == nil {
					m.sync.Track(ts.ID)
					_, err = m.sync.Refresh(ctx)
				}
				return actionMsg{label: "accept", err: err}
			}
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case clockMsg:
		m.now = time.Time(msg)
		return m, tickClock()
	case channelMsg:
		ev := cl.Event(msg)
		if ev.Resync {
			m.status = "reconnected, resyncing"
		} else {
			m.push(describeMessage(ev.Message, m.sess.UserID))
		}
		m.busy = true
		return m, tea.Batch(m.listen(), m.refresh(ev))
	case channelDone:
		m.status = "notification channel closed"
		return m, nil
	case syncedMsg:
		m.busy = false
		m.lastErr = msg.err
		return m, nil
	case actionMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.status = msg.label + " sent"
		}
		return m, nil
	}
	return m, nil
}

func (m *watchModel) View() string {
	var b strings.Builder
	header := titleStyle.Render("memetrade") + "  " + mutedStyle.Render(m.status)
	if m.busy {
		header += " " + m.spin.View()
	}
	b.WriteString(header + "\n")

	if ts, ok := m.sync.Current(); ok {
		b.WriteString(panelStyle.Render(m.sessionView(ts)) + "\n")
	} else if m.sync.Tracked() != "" {
		b.WriteString(panelStyle.Render(mutedStyle.Render("loading trade "+m.sync.Tracked())) + "\n")
	} else {
		b.WriteString(panelStyle.Render(mutedStyle.Render("no trade open, waiting for offers")) + "\n")
	}

	if offers := m.sync.VisibleOffers(m.now); len(offers) > 0 {
		var lines []string
		for _, o := range offers {
			lines = append(lines, fmt.Sprintf("%s from %s  %s left", o.OfferID, o.FromIdentity, remaining(o.ExpiresAt, m.now)))
		}
		b.WriteString(panelStyle.Render(titleStyle.Render("Incoming offers")+"\n"+strings.Join(lines, "\n")) + "\n")
	}

	if len(m.log) > 0 {
		b.WriteString(panelStyle.Render(strings.Join(m.log, "\n")) + "\n")
	}
	if m.lastErr != nil {
		b.WriteString(errStyle.Render(describeError(m.lastErr)) + "\n")
	}
	b.WriteString(mutedStyle.Render("r ready · x cancel · a accept first offer · q quit"))
	return b.String()
}

func (m *watchModel) sessionView(ts trade.Session) string {
	self, other := m.sess.UserID, ts.Counterparty(m.sess.UserID)
	column := func(title, party string) string {
		state := waitStyle.Render("not ready")
		if ts.IsReady(party) {
			state = readyStyle.Render("ready")
		}
		lines := []string{titleStyle.Render(title) + "  " + state}
		items := ts.ItemsOf(party)
		if len(items) == 0 {
			lines = append(lines, mutedStyle.Render("nothing offered"))
		}
		for _, it := range items {
			lines = append(lines, describeItem(it))
		}
		return lipgloss.NewStyle().Width(34).Render(strings.Join(lines, "\n"))
	}
	top := fmt.Sprintf("Trade %s  %s  v%d", ts.ID, statusLabel(ts.Status), ts.Version)
	cols := lipgloss.JoinHorizontal(lipgloss.Top, column("You", self), column(truncate(other, 20), other))
	return top + "\n\n" + cols
}

func (m *watchModel) push(line string) {
	if line == "" {
		return
	}
	m.log = append(m.log, line)
	if len(m.log) > 6 {
		m.log = m.log[len(m.log)-6:]
	}
}

func (m *watchModel) listen() tea.Cmd {
	events := m.conn.Events()
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return channelDone{}
		}
		return channelMsg(ev)
	}
}

func (m *watchModel) refresh(ev cl.Event) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		_, err := m.sync.Handle(ctx, ev)
		return syncedMsg{err: err}
	}
}

func (m *watchModel) act(label string, fn func(ctx context.Context, sessionID string) error) tea.Cmd {
	id := m.sync.Tracked()
	if id == "" {
		m.status = "no trade open"
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, requestTimeout)
		defer cancel()
		return actionMsg{label: label, err: fn(ctx, id)}
	}
}

func tickClock() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return clockMsg(t) })
}
