//go:build !darwin

package permissions

// EnsurePermissions always grants microphone access: only macOS gates audio
// capture behind a system prompt.
func EnsurePermissions() error {
	return nil
}
