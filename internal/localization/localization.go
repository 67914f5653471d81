// Package localization provides the texts of system messages and
// notifications. Built-in English strings can be overridden or extended by
// JSON files named after the language code (e.g., "en.json", "uk.json").
package localization

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultLanguage is used when a key is missing in the requested language.
const DefaultLanguage = "en"

// Translation keys.
const (
	KeyMissedAudioCall   = "call.missed.audio"
	KeyMissedVideoCall   = "call.missed.video"
	KeyDeclinedAudioCall = "call.declined.audio"
	KeyDeclinedVideoCall = "call.declined.video"
	KeyFailedAudioCall   = "call.failed.audio"
	KeyFailedVideoCall   = "call.failed.video"
	KeyNewMessageFrom    = "notification.new_message_from"
	KeyNewMessage        = "notification.new_message"
	KeyNewAttachment     = "notification.new_attachment"
)

var builtin = map[string]string{
	KeyMissedAudioCall:   "Missed audio call",
	KeyMissedVideoCall:   "Missed video call",
	KeyDeclinedAudioCall: "Declined audio call",
	KeyDeclinedVideoCall: "Declined video call",
	KeyFailedAudioCall:   "Audio call failed",
	KeyFailedVideoCall:   "Video call failed",
	KeyNewMessageFrom:    "New message from %s",
	KeyNewMessage:        "You have a new message",
	KeyNewAttachment:     "Sent an attachment",
}

// Localizer manages the translations for the application.
// It holds a map of languages, each with its own map of translation keys and values.
type Localizer struct {
	translations map[string]map[string]string
	mu           sync.RWMutex
}

// NewLocalizer returns a Localizer seeded with the built-in English strings and
// then loads every JSON file in path. An empty path loads nothing.
func NewLocalizer(path string) (*Localizer, error) {
	l := &Localizer{
		translations: map[string]map[string]string{DefaultLanguage: {}},
	}
	for k, v := range builtin {
		l.translations[DefaultLanguage][k] = v
	}
	if path == "" {
		return l, nil
	}

	files, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read localization directory: %w", err)
	}

	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}

		lang := strings.TrimSuffix(file.Name(), ".json")
		data, err := os.ReadFile(filepath.Join(path, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read localization file %s: %w", file.Name(), err)
		}

		var translations map[string]string
		if err := json.Unmarshal(data, &translations); err != nil {
			return nil, fmt.Errorf("failed to parse localization file %s: %w", file.Name(), err)
		}
		l.merge(lang, translations)
	}

	return l, nil
}

func (l *Localizer) merge(lang string, translations map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.translations[lang] == nil {
		l.translations[lang] = make(map[string]string, len(translations))
	}
	for k, v := range translations {
		l.translations[lang][k] = v
	}
}

// GetString returns the localized string for a given key and language.
// If the language or the key is not found, it returns the key itself as a fallback.
func (l *Localizer) GetString(lang, key string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if langTranslations, ok := l.translations[lang]; ok {
		if value, ok := langTranslations[key]; ok {
			return value
		}
	}

	if lang != DefaultLanguage {
		if value, ok := l.translations[DefaultLanguage][key]; ok {
			return value
		}
	}

	return key
}

// Format looks up key and applies args to it.
func (l *Localizer) Format(lang, key string, args ...any) string {
	return fmt.Sprintf(l.GetString(lang, key), args...)
}

// CallSummary returns the system message text for a call that ended before
// it connected.
func (l *Localizer) CallSummary(lang, callType string, declined bool) string {
	switch {
	case declined && callType == "video":
		return l.GetString(lang, KeyDeclinedVideoCall)
	case declined:
		return l.GetString(lang, KeyDeclinedAudioCall)
	case callType == "video":
		return l.GetString(lang, KeyMissedVideoCall)
	default:
		return l.GetString(lang, KeyMissedAudioCall)
	}
}

// CallFailed returns the system message text for an answered call that broke
// off instead of being hung up.
func (l *Localizer) CallFailed(lang, callType string) string {
	if callType == "video" {
		return l.GetString(lang, KeyFailedVideoCall)
	}
	return l.GetString(lang, KeyFailedAudioCall)
}
