package engine

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/BTreeMap/FlowPilot/internal/models"
)

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9 ().-]{7,20}$`)
)

// validateCollectedValue checks a typed reply against the collect-data field
// configuration. Custom patterns were compile-checked at flow-save time; a
// broken pattern that slipped through rejects the value rather than panics.
func validateCollectedValue(cfg *models.CollectConfig, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	switch cfg.FieldType {
	case models.FieldEmail:
		return emailPattern.MatchString(value)
	case models.FieldPhone:
		if !phonePattern.MatchString(value) {
			return false
		}
		digits := 0
		for _, r := range value {
			if unicode.IsDigit(r) {
				digits++
			}
		}
		return digits >= 7
	case models.FieldName:
		letters := 0
		for _, r := range value {
			if unicode.IsLetter(r) {
				letters++
			}
		}
		return letters >= 2
	case models.FieldCustom:
		if cfg.Validation == "" {
			return true
		}
		re, err := regexp.Compile(cfg.Validation)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	default:
		return true
	}
}

// collectRetryMessage is the re-prompt for invalid input when the node does
// not configure its own error message.
const collectRetryMessage = "That doesn't look right, please try again."

func retryMessage(cfg *models.CollectConfig) string {
	if cfg.ErrorMessage != "" {
		return cfg.ErrorMessage
	}
	return collectRetryMessage
}
