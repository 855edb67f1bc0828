package middleware

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	bm "github.com/charmbracelet/wish/bubbletea"
	"github.com/deemkeen/fedbridge/db"
	"github.com/deemkeen/fedbridge/ui/admin"
	"github.com/deemkeen/fedbridge/util"
	"github.com/muesli/termenv"
)

// MainTui serves the ops console to SSH sessions.
func MainTui(store *db.DB) wish.Middleware {
	teaHandler := func(s ssh.Session) *tea.Program {
		pty, _, active := s.Pty()
		if !active {
			wish.Println(s, "no active terminal, skipping")
			return nil
		}
		util.LogPublicKey(s)

		m := admin.InitialModel(store, pty.Window.Width, pty.Window.Height)
		return tea.NewProgram(m, tea.WithInput(s), tea.WithOutput(s), tea.WithAltScreen())
	}
	return bm.MiddlewareWithProgramHandler(teaHandler, termenv.ANSI256)
}
