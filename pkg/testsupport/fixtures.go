package testsupport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// ReadTestdata returns the bytes of testdata/<name> in the calling package,
// failing the test when the file is missing.
func ReadTestdata(t testing.TB, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read testdata %s: %v", name, err)
	}
	return data
}

// DecodeTestdata decodes the JSON document testdata/<name> into a T.
func DecodeTestdata[T any](t testing.TB, name string) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(ReadTestdata(t, name), &out); err != nil {
		t.Fatalf("decode testdata %s: %v", name, err)
	}
	return out
}
