// Command tapmon opens a tap device, runs its own stack on it, and renders a
// terminal dashboard of that stack's address-claim status, TCP session
// count and ARP cache.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tapstack/tapstack/internal"
	"github.com/tapstack/tapstack/stack"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4FC1FF"))
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#569CD6"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4EC9B0"))
)

func main() {
	if err := run(); err != nil {
		log.Fatalln("tapmon:", err)
	}
}

func run() error {
	var (
		flagIface = flag.String("iface", "tap0", "tap interface to monitor")
		flagNet   = flag.String("net", "192.168.10.1/24", "stack IP/prefix")
	)
	flag.Parse()

	prefix, err := netip.ParsePrefix(*flagNet)
	if err != nil {
		return fmt.Errorf("parsing -net: %w", err)
	}
	tap, err := internal.NewTap(*flagIface, prefix)
	if err != nil {
		return fmt.Errorf("opening tap device %q: %w", *flagIface, err)
	}

	st := stack.New(stack.DefaultConfig(prefix.Addr()), tap)
	defer st.Close()
	go st.Run(context.Background())

	p := tea.NewProgram(newModel(st), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

type tickMsg time.Time

type model struct {
	st *stack.Stack
}

func newModel(st *stack.Stack) model { return model{st: st} }

func (m model) Init() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("tapmon") + "  " + dimStyle.Render("press q to quit") + "\n\n")

	claimed := "pending"
	if m.st.Claimed() {
		claimed = okStyle.Render("claimed")
	}
	b.WriteString(headStyle.Render("address: ") + claimed + "\n\n")

	b.WriteString(headStyle.Render("TCP sessions") + "\n")
	n := m.st.Sessions().Len()
	if n == 0 {
		b.WriteString(dimStyle.Render("  (none)") + "\n")
	} else {
		b.WriteString(fmt.Sprintf("  %d active\n", n))
	}

	b.WriteString("\n" + headStyle.Render("ARP cache") + "\n")
	entries := m.st.ARPCache().Snapshot()
	if len(entries) == 0 {
		b.WriteString(dimStyle.Render("  (empty)") + "\n")
	} else {
		for _, e := range entries {
			b.WriteString(fmt.Sprintf("  %-15s  %02x:%02x:%02x:%02x:%02x:%02x  %s\n",
				e.IP, e.MAC[0], e.MAC[1], e.MAC[2], e.MAC[3], e.MAC[4], e.MAC[5],
				dimStyle.Render(e.Age.Round(time.Second).String())))
		}
	}

	return b.String()
}
