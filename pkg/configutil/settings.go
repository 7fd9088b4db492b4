package configutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// DecodeSettings fills out from a provider's free-form settings block. Keys
// match fields ignoring case, '_' and '-'. Scalars may arrive as strings,
// durations as "1500ms" and lists as comma-separated strings.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		MatchName:        func(key, field string) bool { return normalizeKey(key) == normalizeKey(field) },
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}

// RequireString reports path as missing when value is blank.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) != "" {
		return nil
	}
	return fmt.Errorf("%s is required", path)
}

// Value dereferences an optional setting, falling back when it was not given.
func Value[T any](v *T, fallback T) T {
	if v != nil {
		return *v
	}
	return fallback
}

// Positive treats zero and negative settings as unset.
func Positive(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}

// Millis is Positive for millisecond settings.
func Millis(ms int, fallback time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func normalizeKey(s string) string {
	return strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(s))
}
