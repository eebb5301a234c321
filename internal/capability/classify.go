package capability

import (
	"context"
	"os"
	"strings"

	"vaultd/internal/domain"
)

// KeywordClassifier assigns urgency from content keywords: "urgent" is High,
// "soon" is Medium, everything else Low.
type KeywordClassifier struct{}

func (KeywordClassifier) Classify(ctx context.Context, path string) (domain.Urgency, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &domain.CapabilityError{Capability: "classifier", Err: err}
	}
	content := strings.ToLower(string(data))
	switch {
	case strings.Contains(content, "urgent"):
		return domain.UrgencyHigh, nil
	case strings.Contains(content, "soon"):
		return domain.UrgencyMedium, nil
	default:
		return domain.UrgencyLow, nil
	}
}
