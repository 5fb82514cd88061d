package tasks

import (
	"os"
	"testing"
)

func writeTestFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("apk"), 0o644); err != nil {
		t.Fatal(err)
	}
}
