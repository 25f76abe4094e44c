package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/user/sleeptrack/internal/types"
)

// Summary renders the phase statistics of a finished session as plain text.
func Summary(s *types.Session) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sleep %s - %s (%s)\n",
		s.Start.Format("Mon 15:04"), s.End.Format("15:04"), formatMinutes(int(s.Duration()/time.Minute)))
	for _, p := range types.Phases {
		fmt.Fprintf(&sb, "%-6s %s\n", label(p)+":", formatMinutes(int(s.Stats.Minutes(p))))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func label(p types.Phase) string {
	switch p {
	case types.PhaseREM:
		return "REM"
	case types.PhaseDeep:
		return "Deep"
	case types.PhaseLight:
		return "Light"
	default:
		return "Awake"
	}
}

func formatMinutes(m int) string {
	if m < 60 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dh%02dm", m/60, m%60)
}
