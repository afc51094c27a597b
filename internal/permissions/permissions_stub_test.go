//go:build !darwin

package permissions

import "testing"

func TestEnsurePermissionsGrantsMicrophone(t *testing.T) {
	if err := EnsurePermissions(); err != nil {
		t.Errorf("expected microphone access off macOS, got %v", err)
	}
}
