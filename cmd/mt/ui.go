package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	cl "memetrade/internal/cli"
	"memetrade/internal/protocol"
	"memetrade/internal/trade"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptOptional(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// promptPassword reads without echo on a terminal and falls back to a plain
// prompt when stdin is piped.
func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if pw := strings.TrimSpace(string(raw)); pw != "" {
			return pw, nil
		}
		printWarn(label + " is required.")
	}
}

func describeError(err error) string {
	var apiErr *cl.APIError
	if !errors.As(err, &apiErr) {
		return err.Error()
	}
	switch {
	case errors.Is(err, trade.ErrStaleOffer):
		return "the other side no longer holds what was offered; review the trade and ready again"
	case errors.Is(err, trade.ErrExpired):
		return "that offer has expired"
	case errors.Is(err, trade.ErrTxConflict):
		return "the server was busy settling another change; try again"
	}
	if apiErr.Code != "" {
		return fmt.Sprintf("%s (%s)", apiErr.Message, apiErr.Code)
	}
	return apiErr.Error()
}

func renderMe(me cl.Me) {
	accent.Println("\n== YOU ==")
	name := me.Username
	if name == "" {
		name = me.Email
	}
	fmt.Printf("Player:  %s\n", name)
	fmt.Printf("ID:      %s\n", me.UserID)
	fmt.Printf("Coins:   %s\n", success.Sprint(me.Coins))
	fmt.Println()
}

func renderOffers(offers []trade.Offer, self string, now time.Time) {
	accent.Println("\n== OPEN OFFERS ==")
	if len(offers) == 0 {
		printInfo("No open offers.")
		return
	}
	fmt.Printf("%-36s %-9s %-24s %8s\n", "OFFER", "DIRECTION", "PLAYER", "EXPIRES")
	for _, o := range offers {
		dir, other := "from", o.ProposerID
		if o.ProposerID == self {
			dir, other = "to", o.TargetID
		}
		fmt.Printf("%-36s %-9s %-24s %8s\n", o.ID, dir, truncate(other, 24), remaining(o.ExpiresAt, now))
	}
	fmt.Println()
}

func renderSessionList(sessions []trade.Session, self string) {
	accent.Println("\n== ACTIVE TRADES ==")
	if len(sessions) == 0 {
		printInfo("No active trades.")
		return
	}
	fmt.Printf("%-36s %-24s %6s %-12s\n", "SESSION", "WITH", "ITEMS", "READY")
	for _, s := range sessions {
		fmt.Printf("%-36s %-24s %6d %-12s\n", s.ID, truncate(s.Counterparty(self), 24), len(s.Items), readiness(s, self))
	}
	fmt.Println()
}

func renderSession(s trade.Session, self string) {
	accent.Printf("\n== TRADE %s ==\n", s.ID)
	fmt.Printf("Status:  %s   (version %d)\n", statusLabel(s.Status), s.Version)
	fmt.Printf("Ready:   %s\n", readiness(s, self))
	for _, party := range []string{self, s.Counterparty(self)} {
		label := "You offer"
		if party != self {
			label = truncate(party, 24) + " offers"
		}
		fmt.Println()
		accent.Println(label)
		items := s.ItemsOf(party)
		if len(items) == 0 {
			printInfo("  nothing yet")
			continue
		}
		for _, it := range items {
			fmt.Printf("  %-36s %s\n", it.ID, describeItem(it))
		}
	}
	fmt.Println()
}

func describeItem(it trade.LineItem) string {
	if it.Kind == trade.KindCoins {
		return fmt.Sprintf("%d coins", it.Quantity)
	}
	if it.Kind.Unique() {
		return fmt.Sprintf("%s %s", it.Kind, it.ItemRef)
	}
	return fmt.Sprintf("%d x %s", it.Quantity, it.ItemRef)
}

func describeMessage(msg protocol.Message, self string) string {
	switch m := msg.(type) {
	case protocol.Offer:
		return accent.Sprintf("offer %s from %s, expires %s", m.OfferID, m.FromIdentity, m.ExpiresAt.Local().Format(time.Kitchen))
	case protocol.OfferClosed:
		return neutral.Sprintf("offer %s %s", m.OfferID, m.Status)
	case protocol.Accepted:
		if m.Result == "completed" {
			return success.Sprintf("trade %s completed", m.SessionID)
		}
		return success.Sprintf("offer %s accepted, trade session %s opened", m.OfferID, m.SessionID)
	case protocol.Update:
		who := m.ActorIdentity
		if who == self {
			who = "you"
		}
		text := fmt.Sprintf("trade %s: %s by %s", m.SessionID, m.Action, who)
		switch m.Action {
		case protocol.ActionStale, protocol.ActionTransferFailed, protocol.ActionCancel:
			return warn.Sprint(text)
		}
		return neutral.Sprint(text)
	case nil:
		return ""
	default:
		return neutral.Sprint(string(msg.MessageType()))
	}
}

func readiness(s trade.Session, self string) string {
	mine, theirs := "no", "no"
	if s.IsReady(self) {
		mine = "yes"
	}
	if s.IsReady(s.Counterparty(self)) {
		theirs = "yes"
	}
	return fmt.Sprintf("you:%s them:%s", mine, theirs)
}

func statusLabel(st trade.SessionStatus) string {
	switch st {
	case trade.SessionCompleted:
		return success.Sprint(st.String())
	case trade.SessionCancelled:
		return danger.Sprint(st.String())
	default:
		return warn.Sprint(st.String())
	}
}

func remaining(deadline, now time.Time) string {
	d := deadline.Sub(now)
	if d <= 0 {
		return "expired"
	}
	return d.Round(time.Second).String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
