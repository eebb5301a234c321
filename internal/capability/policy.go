package capability

import (
	"strconv"
	"strings"

	"vaultd/internal/domain"
)

// KeywordPolicy routes a task to human approval when its content matches a
// configured keyword or carries an "Amount:" line above the threshold. The
// thresholds live in vault.yml; nothing here is known to the state machine.
type KeywordPolicy struct {
	Keywords        []string
	AmountThreshold float64
}

func (p KeywordPolicy) RequiresApproval(task domain.Task, content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range p.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	if p.AmountThreshold > 0 {
		if amount, ok := parseAmount(lower); ok && amount > p.AmountThreshold {
			return true
		}
	}
	return false
}

func parseAmount(content string) (float64, bool) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "amount:") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "amount:"))
		raw = strings.TrimLeft(raw, "$€£ ")
		raw = strings.ReplaceAll(raw, ",", "")
		amount, err := strconv.ParseFloat(raw, 64)
		if err == nil {
			return amount, true
		}
	}
	return 0, false
}
