package platforms

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

func TestClassifyStatusRetriesUnknownStatuses(t *testing.T) {
	cases := map[int]interfaces.ErrorClass{
		http.StatusUnauthorized:        interfaces.ErrorClassAuth,
		http.StatusTooManyRequests:     interfaces.ErrorClassRateLimited,
		http.StatusBadRequest:          interfaces.ErrorClassRejected,
		http.StatusForbidden:           interfaces.ErrorClassRejected,
		http.StatusUnprocessableEntity: interfaces.ErrorClassRejected,
		http.StatusConflict:            interfaces.ErrorClassTransient,
		http.StatusRequestTimeout:      interfaces.ErrorClassTransient,
		http.StatusTeapot:              interfaces.ErrorClassTransient,
		http.StatusBadGateway:          interfaces.ErrorClassTransient,
		http.StatusInternalServerError: interfaces.ErrorClassTransient,
	}
	for status, want := range cases {
		if got := ClassifyStatus(status); got != want {
			t.Fatalf("status %d: expected %s, got %s", status, want, got)
		}
	}
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	message := strings.Repeat("é", 400)
	got := Truncate(message, 500)
	if len(got) > 500 || !utf8.ValidString(got) {
		t.Fatalf("expected valid utf-8 within 500 bytes, got %d bytes valid=%v", len(got), utf8.ValidString(got))
	}
	if got != strings.Repeat("é", 250) {
		t.Fatalf("expected 250 whole runes, got %d bytes", len(got))
	}

	odd := Truncate(strings.Repeat("é", 10), 5)
	if odd != "éé" {
		t.Fatalf("expected cut before the split rune, got %q", odd)
	}

	if got := Truncate("ok\xffdone", 0); got != "okdone" {
		t.Fatalf("expected invalid bytes dropped, got %q", got)
	}
}

func TestReadBodyCutsOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("a", maxBodyBytes-1) + "é tail"
	resp := &http.Response{Body: io.NopCloser(strings.NewReader(body))}
	got := ReadBody(resp)
	if !utf8.ValidString(got) {
		t.Fatal("expected valid utf-8 body")
	}
	if len(got) != maxBodyBytes-1 {
		t.Fatalf("expected the split rune dropped, got %d bytes", len(got))
	}
}
